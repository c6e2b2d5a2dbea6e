// pkg/tunnel/pool_test.go
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
	"github.com/xtoazt/paper-sub000/pkg/onion"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

type fakeBuilder struct {
	mu        sync.Mutex
	next      int
	created   int
	destroyed []string
	failing   bool
	gate      chan struct{} // when set, Create blocks until the gate closes
}

func (f *fakeBuilder) Create(ctx context.Context, relays []*types.Node) (*onion.Circuit, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("build refused")
	}
	f.created++
	f.next++
	return &onion.Circuit{
		ID:        fmt.Sprintf("%032x", f.next),
		Relays:    relays,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeBuilder) Send(ctx context.Context, circuitID string, plaintext []byte) ([]byte, error) {
	return append([]byte("reply:"), plaintext...), nil
}

func (f *fakeBuilder) Destroy(ctx context.Context, circuitID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, circuitID)
}

func (f *fakeBuilder) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}

type fakePeers struct {
	nodes []*types.Node
}

func (f *fakePeers) BestPeers(n int) []*types.Node {
	if n > len(f.nodes) {
		n = len(f.nodes)
	}
	return f.nodes[:n]
}

func testPeers(t *testing.T, n int) *fakePeers {
	t.Helper()
	nodes := make([]*types.Node, n)
	for i := range nodes {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		nodes[i] = types.NewNode(kp.PublicKey, &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9300 + i})
	}
	return &fakePeers{nodes: nodes}
}

func testPool(t *testing.T, builder *fakeBuilder, peers PeerSource, clk clock.Clock, cfg Config) *Pool {
	t.Helper()
	cfg.Builder = builder
	cfg.Peers = peers
	cfg.Clock = clk
	return NewPool(cfg)
}

func TestMaintainReachesFloor(t *testing.T) {
	builder := &fakeBuilder{}
	pool := testPool(t, builder, testPeers(t, 5), clock.NewMock(), Config{})

	pool.Maintain(context.Background())
	require.Equal(t, DefaultMinTunnels, pool.ConnectedCount())

	// A second tick with a healthy pool builds nothing new.
	pool.Maintain(context.Background())
	require.Equal(t, DefaultMinTunnels, builder.created)
}

func TestMaintainWithTooFewPeers(t *testing.T) {
	builder := &fakeBuilder{}
	pool := testPool(t, builder, testPeers(t, 2), clock.NewMock(), Config{})

	pool.Maintain(context.Background())
	require.Equal(t, 0, pool.ConnectedCount())
	require.Equal(t, 0, builder.created)
}

func TestMaintainStopsOnBuildFailure(t *testing.T) {
	builder := &fakeBuilder{failing: true}
	pool := testPool(t, builder, testPeers(t, 5), clock.NewMock(), Config{})

	pool.Maintain(context.Background())
	require.Equal(t, 0, pool.ConnectedCount())
}

func TestSendPicksLeastLoaded(t *testing.T) {
	builder := &fakeBuilder{}
	pool := testPool(t, builder, testPeers(t, 5), clock.NewMock(), Config{})
	pool.Maintain(context.Background())

	// Nine sends across three tunnels land three on each.
	for i := 0; i < 9; i++ {
		reply, err := pool.Send(context.Background(), []byte("payload"))
		require.NoError(t, err)
		require.Equal(t, []byte("reply:payload"), reply)
	}
	for _, tn := range pool.Tunnels() {
		require.Equal(t, 3, tn.MessagesSent())
	}
}

func TestSendOnEmptyPool(t *testing.T) {
	builder := &fakeBuilder{}
	pool := testPool(t, builder, testPeers(t, 0), clock.NewMock(), Config{})

	_, err := pool.Send(context.Background(), []byte("payload"))
	require.ErrorIs(t, err, ErrNoTunnel)
}

func TestIdleTunnelsReapedAndReplaced(t *testing.T) {
	clk := clock.NewMock()
	builder := &fakeBuilder{}
	pool := testPool(t, builder, testPeers(t, 5), clk, Config{})

	pool.Maintain(context.Background())
	firstGen := builder.created

	clk.Add(DefaultLifetime + time.Second)
	pool.Maintain(context.Background())

	require.Equal(t, DefaultMinTunnels, pool.ConnectedCount())
	require.Len(t, builder.destroyedIDs(), firstGen)
	require.Equal(t, firstGen*2, builder.created)
}

func TestRecycleAtMessageThreshold(t *testing.T) {
	clk := clock.NewMock()
	builder := &fakeBuilder{}
	pool := testPool(t, builder, testPeers(t, 3), clk, Config{MinTunnels: 1, MaxMessages: 5})

	pool.Maintain(context.Background())
	worn := pool.ActiveTunnel()
	require.NotNil(t, worn)

	for i := 0; i < 6; i++ {
		_, err := pool.Send(context.Background(), []byte("payload"))
		require.NoError(t, err)
	}

	pool.Maintain(context.Background())
	require.Contains(t, builder.destroyedIDs(), worn.ID())
	require.Equal(t, StateDisconnected, worn.State())

	replacement := pool.ActiveTunnel()
	require.NotNil(t, replacement)
	require.NotEqual(t, worn.ID(), replacement.ID())
	require.Equal(t, 0, replacement.MessagesSent())
}

func TestMaintainIsSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	builder := &fakeBuilder{gate: gate}
	pool := testPool(t, builder, testPeers(t, 5), clock.NewMock(), Config{})

	started := make(chan struct{})
	go func() {
		close(started)
		pool.Maintain(context.Background())
	}()
	<-started

	// Wait for the first pass to enter its blocked build.
	require.Eventually(t, func() bool { return pool.ticking.Load() }, time.Second, time.Millisecond)

	// An overlapping tick returns immediately instead of building twice.
	pool.Maintain(context.Background())

	builder.mu.Lock()
	builder.gate = nil
	builder.mu.Unlock()
	close(gate)

	require.Eventually(t, func() bool {
		return pool.ConnectedCount() == DefaultMinTunnels
	}, time.Second, time.Millisecond)
	require.Equal(t, DefaultMinTunnels, builder.created)
}
