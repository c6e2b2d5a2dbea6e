// pkg/bus/bridge.go
package bus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxEnvelope = 512 << 10
	dedupSize   = 4096
)

type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) write(env *Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(env)
}

// Bridge floods bus envelopes across websocket links. Every envelope is
// forwarded at most once per node; the seen cache keyed by envelope ID
// breaks forwarding loops.
type Bridge struct {
	local    *Memory
	log      *logrus.Entry
	upgrader websocket.Upgrader
	seen     *lru.Cache[string, struct{}]
	untap    func()

	mu     sync.Mutex
	peers  map[*wsPeer]struct{}
	closed bool
}

func NewBridge(local *Memory, logger *logrus.Logger) *Bridge {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	seen, _ := lru.New[string, struct{}](dedupSize)

	b := &Bridge{
		local: local,
		log:   logger.WithField("component", "bus"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		seen:  seen,
		peers: make(map[*wsPeer]struct{}),
	}
	b.untap = local.Tap(b.onLocalPublish)
	return b
}

// Handler accepts inbound bridge connections.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.WithError(err).Debug("bridge upgrade failed")
			return
		}
		b.attach(conn)
	})
}

// Dial connects out to a remote bridge endpoint (ws:// or wss:// URL).
func (b *Bridge) Dial(ctx context.Context, rawURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return err
	}
	b.attach(conn)
	return nil
}

// PeerCount reports how many bridge links are up.
func (b *Bridge) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// Close drops all links and stops forwarding local publishes.
func (b *Bridge) Close() {
	b.untap()

	b.mu.Lock()
	b.closed = true
	peers := make([]*wsPeer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[*wsPeer]struct{})
	b.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

func (b *Bridge) attach(conn *websocket.Conn) {
	peer := &wsPeer{conn: conn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.peers[peer] = struct{}{}
	b.mu.Unlock()

	go b.readLoop(peer)
}

func (b *Bridge) detach(peer *wsPeer) {
	b.mu.Lock()
	delete(b.peers, peer)
	b.mu.Unlock()
	peer.conn.Close()
}

func (b *Bridge) onLocalPublish(env *Envelope) {
	b.seen.ContainsOrAdd(env.ID, struct{}{})
	b.broadcast(env, nil)
}

// firstTime records the ID and reports whether it was new.
func (b *Bridge) firstTime(id string) bool {
	known, _ := b.seen.ContainsOrAdd(id, struct{}{})
	return !known
}

func (b *Bridge) broadcast(env *Envelope, origin *wsPeer) {
	b.mu.Lock()
	peers := make([]*wsPeer, 0, len(b.peers))
	for p := range b.peers {
		if p != origin {
			peers = append(peers, p)
		}
	}
	b.mu.Unlock()

	for _, p := range peers {
		if err := p.write(env); err != nil {
			b.log.WithError(err).Debug("bridge write failed, dropping link")
			b.detach(p)
		}
	}
}

func (b *Bridge) readLoop(peer *wsPeer) {
	defer b.detach(peer)

	done := make(chan struct{})
	defer close(done)
	go b.pingLoop(peer, done)

	peer.conn.SetReadLimit(maxEnvelope)
	peer.conn.SetReadDeadline(time.Now().Add(pongWait))
	peer.conn.SetPongHandler(func(string) error {
		peer.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		env := &Envelope{}
		if err := peer.conn.ReadJSON(env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.log.WithError(err).Debug("bridge link lost")
			}
			return
		}
		if env.ID == "" || env.Topic == "" {
			continue
		}
		if !b.firstTime(env.ID) {
			continue
		}

		b.local.Deliver(env)
		b.broadcast(env, peer)
	}
}

func (b *Bridge) pingLoop(peer *wsPeer, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := peer.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
