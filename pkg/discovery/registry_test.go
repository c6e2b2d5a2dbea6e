// pkg/discovery/registry_test.go
package discovery

import (
	"encoding/hex"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

func testNode(t *testing.T, port int) *types.Node {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return types.NewNode(kp.PublicKey, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
}

func TestAddAndRefreshKeepsScore(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry(clk)

	node := testNode(t, 9400)
	reg.Add(node)
	reg.ReportSuccess(node.ShortID())
	reg.ReportSuccess(node.ShortID())

	clk.Add(time.Minute)
	moved := types.NewNode(node.PublicKey, &net.TCPAddr{IP: net.ParseIP("10.0.0.2"), Port: 9401})
	reg.Add(moved)

	p, ok := reg.Get(node.ShortID())
	require.True(t, ok)
	require.Equal(t, 2, p.Successes)
	require.Equal(t, 9401, p.Node.Address.Port)
	require.Equal(t, clk.Now(), p.LastSeen)
	require.Equal(t, 1, reg.Count())
}

func TestBestPeersOrdering(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry(clk)

	good := testNode(t, 9410)
	flaky := testNode(t, 9411)
	unknown := testNode(t, 9412)
	for _, n := range []*types.Node{good, flaky, unknown} {
		reg.Add(n)
	}

	reg.ReportSuccess(good.ShortID())
	reg.ReportSuccess(good.ShortID())
	reg.ReportSuccess(flaky.ShortID())
	reg.ReportFailure(flaky.ShortID()) // score 1-2 = -1

	best := reg.BestPeers(3)
	require.Len(t, best, 3)
	require.Equal(t, good.ShortID(), best[0].ShortID())
	require.Equal(t, unknown.ShortID(), best[1].ShortID())
	require.Equal(t, flaky.ShortID(), best[2].ShortID())

	// Asking for more than exists returns what there is.
	require.Len(t, reg.BestPeers(10), 3)
}

func TestCleanupDropsStalePeers(t *testing.T) {
	clk := clock.NewMock()
	reg := NewRegistry(clk)

	stale := testNode(t, 9420)
	reg.Add(stale)

	clk.Add(3 * time.Minute)
	fresh := testNode(t, 9421)
	reg.Add(fresh)

	clk.Add(3 * time.Minute) // stale is now 6 minutes old, fresh 3
	require.Equal(t, 1, reg.Cleanup(0))
	require.Equal(t, 1, reg.Count())
	_, ok := reg.Get(fresh.ShortID())
	require.True(t, ok)
}

func TestParseSeed(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	seed := fmt.Sprintf("%s@127.0.0.1:4000", hex.EncodeToString(kp.PublicKey))

	node, err := ParseSeed(seed)
	require.NoError(t, err)
	require.Equal(t, 4000, node.Address.Port)
	require.Equal(t, []byte(kp.PublicKey), []byte(node.PublicKey))

	for _, bad := range []string{
		"127.0.0.1:4000",
		"nothex@127.0.0.1:4000",
		hex.EncodeToString(kp.PublicKey) + "@not an address",
	} {
		_, err := ParseSeed(bad)
		require.Error(t, err, bad)
	}
}

func TestAddSeeds(t *testing.T) {
	reg := NewRegistry(clock.NewMock())

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	good := fmt.Sprintf("%s@127.0.0.1:4000", hex.EncodeToString(kp.PublicKey))

	added, err := reg.AddSeeds([]string{good, "", "garbage"})
	require.Error(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, 1, reg.Count())
}
