package network

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/protocol"
)

type MessageHandler func(*protocol.Message) error

// Peer is one neighbor link. Outbound peers are dialed; inbound peers adopt
// an accepted connection and get identified by their first verified message.
type Peer struct {
	PublicKey  ed25519.PublicKey
	Address    *net.TCPAddr
	conn       net.Conn
	dialer     Dialer
	mu         sync.RWMutex
	handler    MessageHandler
	connected  bool
	lastActive time.Time
	log        *logrus.Entry
}

func NewPeer(publicKey ed25519.PublicKey, addr *net.TCPAddr) *Peer {
	return &Peer{
		PublicKey:  publicKey,
		Address:    addr,
		lastActive: time.Now(),
		log:        logrus.StandardLogger().WithField("component", "network"),
	}
}

func (p *Peer) setDialer(d Dialer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialer = d
}

func (p *Peer) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected && p.conn != nil {
		return nil
	}

	var (
		conn net.Conn
		err  error
	)
	if p.dialer != nil {
		conn, err = p.dialer.Dial("tcp", p.Address.String())
	} else {
		dialer := net.Dialer{Timeout: connTimeout}
		conn, err = dialer.Dial("tcp", p.Address.String())
	}
	if err != nil {
		p.connected = false
		p.conn = nil
		return fmt.Errorf("connection failed: %w", err)
	}

	p.conn = conn
	p.connected = true
	p.lastActive = time.Now()

	go p.handleConnection(conn)

	return nil
}

// adopt takes over an accepted inbound connection.
func (p *Peer) adopt(conn net.Conn) {
	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.lastActive = time.Now()
	p.mu.Unlock()

	go p.handleConnection(conn)
}

// identify fills in the peer's identity once its first verified message
// names a public key and listening address.
func (p *Peer) identify(publicKey ed25519.PublicKey, addr *net.TCPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.PublicKey) == 0 {
		p.PublicKey = publicKey
	}
	if addr != nil {
		p.Address = addr
	}
}

func (p *Peer) identified() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.PublicKey) == ed25519.PublicKeySize
}

func (p *Peer) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}

	p.log.Debugf("disconnecting from peer at %v", p.Address)
	err := p.conn.Close()
	p.conn = nil
	p.connected = false
	return err
}

func (p *Peer) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected && p.conn != nil
}

func (p *Peer) SetMessageHandler(handler MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *Peer) SendMessage(msg *protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected || p.conn == nil {
		return fmt.Errorf("peer not connected")
	}

	data, err := msg.Serialize()
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}

	if err := binary.Write(p.conn, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}

	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	p.lastActive = time.Now()
	return nil
}

// remoteIP reports the connected conn's remote address, for identifying
// inbound peers whose listening port arrives in their first message.
func (p *Peer) remoteIP() net.IP {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.conn == nil {
		return nil
	}
	if addr, ok := p.conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

func (p *Peer) updateLastActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActive = time.Now()
}

func (p *Peer) handleConnection(conn net.Conn) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.connected = true
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)

	done := make(chan struct{})

	// Read loop
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				var msgLen uint32
				err := binary.Read(conn, binary.BigEndian, &msgLen)
				if err != nil {
					return
				}

				if msgLen == 0 {
					// Keep-alive packet
					continue
				}

				if msgLen > maxMsgSize {
					return
				}

				msgData := make([]byte, msgLen)
				if _, err := io.ReadFull(conn, msgData); err != nil {
					return
				}

				msg, err := protocol.DeserializeMessage(msgData)
				if err != nil {
					continue
				}

				p.mu.Lock()
				handler := p.handler
				p.mu.Unlock()

				if handler != nil {
					handler(msg)
				}
				p.updateLastActive()
			}
		}
	}()

	// Keep-alive loop
	ticker := time.NewTicker(keepAliveInterval)
	defer func() {
		ticker.Stop()
		close(done)
		wg.Wait()

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
			p.connected = false
		}
		p.mu.Unlock()

		conn.Close()
	}()

	for range ticker.C {
		p.mu.Lock()
		if !p.connected || p.conn != conn {
			p.mu.Unlock()
			return
		}
		if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}
