// pkg/bus/bridge_test.go
package bus

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func wsURL(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBridgeForwardsAcrossLink(t *testing.T) {
	busA := NewMemory()
	busB := NewMemory()

	bridgeA := NewBridge(busA, nil)
	defer bridgeA.Close()
	bridgeB := NewBridge(busB, nil)
	defer bridgeB.Close()

	srv := httptest.NewServer(bridgeA.Handler())
	defer srv.Close()

	require.NoError(t, bridgeB.Dial(context.Background(), wsURL(t, srv)))

	got := make(chan *Envelope, 1)
	defer busB.Subscribe(TopicAnnounce, func(env *Envelope) { got <- env })()

	payload := json.RawMessage(`{"name":"blog.paper","content":"bafy"}`)
	require.NoError(t, busA.Publish(context.Background(), TopicAnnounce, payload))

	select {
	case env := <-got:
		require.JSONEq(t, string(payload), string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never crossed the bridge")
	}
}

func TestBridgeFloodsThroughMiddleNode(t *testing.T) {
	// A and C both connect to B; an envelope published on A reaches C.
	busA, busB, busC := NewMemory(), NewMemory(), NewMemory()

	bridgeA := NewBridge(busA, nil)
	defer bridgeA.Close()
	bridgeB := NewBridge(busB, nil)
	defer bridgeB.Close()
	bridgeC := NewBridge(busC, nil)
	defer bridgeC.Close()

	srv := httptest.NewServer(bridgeB.Handler())
	defer srv.Close()

	require.NoError(t, bridgeA.Dial(context.Background(), wsURL(t, srv)))
	require.NoError(t, bridgeC.Dial(context.Background(), wsURL(t, srv)))

	got := make(chan *Envelope, 1)
	defer busC.Subscribe(TopicQuery, func(env *Envelope) { got <- env })()

	require.NoError(t, busA.Publish(context.Background(), TopicQuery, json.RawMessage(`{}`)))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never reached the far node")
	}
}

func TestBridgeSuppressesEchoes(t *testing.T) {
	busA := NewMemory()
	busB := NewMemory()

	bridgeA := NewBridge(busA, nil)
	defer bridgeA.Close()
	bridgeB := NewBridge(busB, nil)
	defer bridgeB.Close()

	srv := httptest.NewServer(bridgeA.Handler())
	defer srv.Close()
	require.NoError(t, bridgeB.Dial(context.Background(), wsURL(t, srv)))

	var deliveries atomic.Int32
	defer busA.Subscribe(TopicUpdate, func(env *Envelope) { deliveries.Add(1) })()

	require.NoError(t, busA.Publish(context.Background(), TopicUpdate, json.RawMessage(`{}`)))

	// Give any echo time to come back around.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, int32(1), deliveries.Load())
}

func TestBridgePeerCount(t *testing.T) {
	busA := NewMemory()
	busB := NewMemory()

	bridgeA := NewBridge(busA, nil)
	defer bridgeA.Close()
	bridgeB := NewBridge(busB, nil)

	srv := httptest.NewServer(bridgeA.Handler())
	defer srv.Close()

	require.NoError(t, bridgeB.Dial(context.Background(), wsURL(t, srv)))
	require.Eventually(t, func() bool { return bridgeA.PeerCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, bridgeB.PeerCount())

	bridgeB.Close()
	require.Eventually(t, func() bool { return bridgeA.PeerCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
