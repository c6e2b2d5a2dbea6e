// pkg/gateway/server_test.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/xtoazt/paper-sub000/pkg/bus"
	"github.com/xtoazt/paper-sub000/pkg/consensus"
	"github.com/xtoazt/paper-sub000/pkg/keystore"
	"github.com/xtoazt/paper-sub000/pkg/pkarr"
	"github.com/xtoazt/paper-sub000/pkg/resolve"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapKV() *mapKV {
	return &mapKV{data: make(map[string][]byte)}
}

func (m *mapKV) Put(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

func (m *mapKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value, ok := m.data[string(key)]; ok {
		return value, nil
	}
	return nil, errors.New("not found")
}

func (m *mapKV) Delete(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// newTestServer stands up a gateway over a single-node registry with the
// network mocked as a local map.
func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	keys, err := keystore.New("")
	require.NoError(t, err)
	kv := newMapKV()
	names := pkarr.NewResolver(keys, kv, nil)
	router := resolve.NewDHTResolver(keys, names, kv, nil)
	shared := bus.NewMemory()

	registry := consensus.NewRegistry(consensus.Config{
		Names:        names,
		Router:       router,
		Bus:          shared,
		Keys:         keys,
		QueryTimeout: 50 * time.Millisecond,
	})
	registry.Start()
	t.Cleanup(registry.Stop)

	srv := NewServer(Config{Addr: "127.0.0.1:0", Registry: registry})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRegisterThenResolve(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/register", registerRequest{Content: "bafycontent"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	registered := decodeBody(t, resp)

	record := registered["record"].(map[string]interface{})
	name := record["name"].(string)
	require.True(t, strings.HasSuffix(name, "."+pkarr.TLD))

	resp, err := http.Get(ts.URL + "/api/resolve?name=" + name)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := decodeBody(t, resp)

	winner := resolved["record"].(map[string]interface{})
	require.Equal(t, "bafycontent", winner["content"])
	require.Equal(t, float64(100), resolved["agreementPct"])
}

func TestHTTPSourceReadsGatewayEnvelope(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/register", registerRequest{Content: "remote payload"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	registered := decodeBody(t, resp)
	name := registered["record"].(map[string]interface{})["name"].(string)

	// A second node pointed at this gateway as its fallback source must get
	// the record back out of the result envelope.
	src := resolve.NewHTTPSource(ts.URL)
	rec, err := src.Resolve(context.Background(), name)
	require.NoError(t, err)
	require.Equal(t, "remote payload", rec.Content)
	require.True(t, rec.VerifySignature())

	_, err = src.Resolve(context.Background(), "aaaabbbbccccddddeeee."+pkarr.TLD)
	require.ErrorIs(t, err, pkarr.ErrNotFound)
}

func TestResolveMissingAndInvalid(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/resolve?name=aaaabbbbccccddddeeee." + pkarr.TLD)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/resolve?name=Not_A_Name")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/resolve")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody(t, resp)

	require.Equal(t, version, status["version"])
	require.Equal(t, false, status["controlConnected"])
}

func TestPAC(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/proxy.pac")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "application/x-ns-proxy-autoconfig", resp.Header.Get("Content-Type"))

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	require.Contains(t, buf.String(), `dnsDomainIs(host, ".paper")`)
}

func TestProxyWithoutControlClient(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/some.page")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestProxyThroughControlChannel(t *testing.T) {
	_, ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/_paper_control"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Act as the control client: answer the one forwarded request.
	served := make(chan *controlRequest, 1)
	go func() {
		req := &controlRequest{}
		if err := conn.ReadJSON(req); err != nil {
			return
		}
		served <- req
		conn.WriteJSON(&controlReply{
			ID:      req.ID,
			Status:  http.StatusOK,
			Headers: map[string]string{"X-Paper-Origin": "webvm"},
			Body:    "<h1>hello from the paper network</h1>",
		})
	}()

	// Give the server a moment to register the control connection.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/api/status")
		if err != nil {
			return false
		}
		return decodeBody(t, resp)["controlConnected"] == true
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/index.html")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "webvm", resp.Header.Get("X-Paper-Origin"))

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	require.Contains(t, buf.String(), "hello from the paper network")

	req := <-served
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/index.html", req.Path)
}

func TestTunnelSendWithoutPool(t *testing.T) {
	_, ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/tunnel/send", tunnelSendRequest{Payload: "data"})
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
