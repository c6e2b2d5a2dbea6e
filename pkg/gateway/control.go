// pkg/gateway/control.go
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const maxProxyBody = 4 << 20

// controlRequest is one proxied page request pushed to the control client.
type controlRequest struct {
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// controlReply is the control client's answer, correlated by request ID.
type controlReply struct {
	ID      string            `json:"id"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// controlChannel holds the single control websocket and the requests in
// flight on it. A replacement connection displaces the old one; pending
// requests of a lost connection fail rather than hang.
type controlChannel struct {
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *controlReply
	closed  bool
}

func newControlChannel(logger *logrus.Logger) *controlChannel {
	return &controlChannel{
		log: logger.WithField("component", "gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pending: make(map[string]chan *controlReply),
	}
}

func (c *controlChannel) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *controlChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.WithError(err).Debug("control upgrade failed")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("control channel connected")
	c.readLoop(conn)
}

func (c *controlChannel) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			// Fail every request still waiting on this connection.
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
		}
		c.mu.Unlock()
		conn.Close()
		c.log.Info("control channel disconnected")
	}()

	for {
		reply := &controlReply{}
		if err := conn.ReadJSON(reply); err != nil {
			return
		}
		if reply.ID == "" {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[reply.ID]
		if ok {
			delete(c.pending, reply.ID)
		}
		c.mu.Unlock()

		if ok {
			ch <- reply
		}
	}
}

// forward pushes r to the control client and waits for the correlated reply.
func (c *controlChannel) forward(ctx context.Context, r *http.Request) (*controlReply, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		body = nil
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	req := &controlRequest{
		ID:      uuid.NewString(),
		Method:  r.Method,
		URL:     r.URL.String(),
		Path:    r.URL.Path,
		Headers: headers,
		Body:    string(body),
	}

	ch := make(chan *controlReply, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.New("gateway: control client disconnected")
	}
	c.pending[req.ID] = ch
	err = conn.WriteJSON(req)
	c.mu.Unlock()

	if err != nil {
		c.unpend(req.ID)
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, errors.New("gateway: control client disconnected")
		}
		return reply, nil
	case <-ctx.Done():
		c.unpend(req.ID)
		return nil, ctx.Err()
	}
}

func (c *controlChannel) unpend(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *controlChannel) close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
