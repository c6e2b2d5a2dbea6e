// Package network carries signed frames between peers over TCP. The
// transport keeps one link per peer, correlates request and reply frames by
// message ID, and hands everything else to registered type handlers.
package network

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/protocol"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ErrClosed reports use of a transport after Close.
var ErrClosed = errors.New("network: transport closed")

// Handler answers one inbound message. A non-nil reply is signed, given the
// request's ID, and sent back over the same link.
type Handler func(msg *protocol.Message) (*protocol.Message, error)

type Transport struct {
	config *Config
	log    *logrus.Entry

	listener net.Listener

	mu       sync.RWMutex
	peers    map[*Peer]struct{}
	byAddr   map[string]*Peer
	handlers map[protocol.MessageType]Handler
	pending  map[string]chan *protocol.Message
	onPeer   func(*types.Node)
	closed   bool
}

func NewTransport(cfg *Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Transport{
		config:   cfg,
		log:      logger.WithField("component", "network"),
		peers:    make(map[*Peer]struct{}),
		byAddr:   make(map[string]*Peer),
		handlers: make(map[protocol.MessageType]Handler),
		pending:  make(map[string]chan *protocol.Message),
	}
}

// Listen binds the configured port and starts accepting peers. Port zero
// binds an ephemeral port; the chosen one is readable through Addr.
func (t *Transport) Listen() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", t.config.Port))
	if err != nil {
		return err
	}
	t.listener = listener
	t.config.Port = listener.Addr().(*net.TCPAddr).Port

	go t.acceptLoop()
	t.log.Infof("listening on port %d", t.config.Port)
	return nil
}

// Addr returns the bound listen address.
func (t *Transport) Addr() *net.TCPAddr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr().(*net.TCPAddr)
}

// Port returns the listening port.
func (t *Transport) Port() int {
	return t.config.Port
}

// OnPeerIdentified registers a callback fired once per newly identified
// peer link; the daemon feeds these into the routing table and discovery.
func (t *Transport) OnPeerIdentified(fn func(*types.Node)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPeer = fn
}

// RegisterHandler installs the handler for one message type.
func (t *Transport) RegisterHandler(mt protocol.MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[mt] = h
}

// Close stops accepting and drops every link.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]*Peer, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.peers = make(map[*Peer]struct{})
	t.byAddr = make(map[string]*Peer)
	t.mu.Unlock()

	for _, p := range peers {
		p.Disconnect()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// Send signs msg and delivers it to node, dialing if no link stands.
func (t *Transport) Send(node *types.Node, msg *protocol.Message) error {
	peer, err := t.peerFor(node)
	if err != nil {
		return err
	}
	if err := msg.Sign(t.config.PrivateKey); err != nil {
		return err
	}
	return peer.SendMessage(msg)
}

// Request sends msg and waits for the reply carrying the same message ID,
// or for ctx to end.
func (t *Transport) Request(ctx context.Context, node *types.Node, msg *protocol.Message) (*protocol.Message, error) {
	id := hex.EncodeToString(msg.ID)
	ch := make(chan *protocol.Message, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.Send(node, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeerCount reports how many links are up.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	count := 0
	for p := range t.peers {
		if p.IsConnected() {
			count++
		}
	}
	return count
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			t.log.WithError(err).Debug("accept failed")
			continue
		}

		peer := NewPeer(nil, nil)
		peer.SetMessageHandler(func(msg *protocol.Message) error {
			return t.dispatch(peer, msg)
		})

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.peers[peer] = struct{}{}
		t.mu.Unlock()

		peer.adopt(conn)
	}
}

// peerFor returns a connected link to node, reusing an existing one when
// possible. A fresh link is announced with a Hello so the far side can
// identify us.
func (t *Transport) peerFor(node *types.Node) (*Peer, error) {
	if node == nil || node.Address == nil {
		return nil, errors.New("network: node has no address")
	}
	addr := node.Address.String()

	t.mu.RLock()
	peer, ok := t.byAddr[addr]
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok && peer.IsConnected() {
		return peer, nil
	}

	if peer == nil {
		peer = NewPeer(node.PublicKey, node.Address)
		peer.setDialer(t.config.Dialer)
		peer.SetMessageHandler(func(msg *protocol.Message) error {
			return t.dispatch(peer, msg)
		})
		t.mu.Lock()
		t.peers[peer] = struct{}{}
		t.byAddr[addr] = peer
		t.mu.Unlock()
	}

	if err := peer.Connect(); err != nil {
		return nil, err
	}
	if err := t.hello(peer); err != nil {
		t.log.WithError(err).Debug("hello failed")
	}
	return peer, nil
}

func (t *Transport) hello(peer *Peer) error {
	msg := protocol.NewMessage(protocol.Hello, t.config.PublicKey, peer.PublicKey, nil)
	msg.ListeningPort = t.config.Port
	if err := msg.Sign(t.config.PrivateKey); err != nil {
		return err
	}
	return peer.SendMessage(msg)
}

// dispatch routes one verified inbound message: replies to pending requests
// by ID first, then type handlers. Unverifiable frames are dropped.
func (t *Transport) dispatch(peer *Peer, msg *protocol.Message) error {
	if !msg.Verify() {
		t.log.Warn("dropping unverifiable message")
		return nil
	}

	t.identifyPeer(peer, msg)

	id := hex.EncodeToString(msg.ID)
	t.mu.RLock()
	ch, waiting := t.pending[id]
	handler := t.handlers[msg.Type]
	t.mu.RUnlock()

	if waiting {
		select {
		case ch <- msg:
		default:
		}
		return nil
	}

	if msg.Type == protocol.Hello {
		return nil
	}
	if handler == nil {
		t.log.Debugf("no handler for message type %d", msg.Type)
		return nil
	}

	reply, err := handler(msg)
	if err != nil {
		t.log.WithError(err).Debugf("handler for message type %d failed", msg.Type)
		return err
	}
	if reply == nil {
		return nil
	}

	// Replies reuse the request ID for correlation on the other side.
	reply.ID = msg.ID
	if err := reply.Sign(t.config.PrivateKey); err != nil {
		return err
	}
	return peer.SendMessage(reply)
}

// identifyPeer fills in an inbound link's identity from its first verified
// message and indexes it under the advertised listening address.
func (t *Transport) identifyPeer(peer *Peer, msg *protocol.Message) {
	if peer.identified() || len(msg.Sender) == 0 || msg.ListeningPort == 0 {
		return
	}

	ip := peer.remoteIP()
	if ip == nil {
		return
	}
	addr := &net.TCPAddr{IP: ip, Port: msg.ListeningPort}
	peer.identify(msg.Sender, addr)

	node := types.NewNode(msg.Sender, addr)

	t.mu.Lock()
	t.byAddr[addr.String()] = peer
	onPeer := t.onPeer
	t.mu.Unlock()

	t.log.Debugf("peer %s identified at %s", node.ShortID(), addr)
	if onPeer != nil {
		go onPeer(node)
	}
}
