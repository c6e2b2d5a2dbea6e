// Package tunnel keeps a live set of onion circuits and balances traffic
// across them. A maintenance tick reaps idle and overused tunnels and
// rebuilds the pool back up to its floor from the best discovered peers.
package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/onion"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ErrNoTunnel reports an empty pool at send time.
var ErrNoTunnel = errors.New("tunnel: no connected tunnel available")

const (
	DefaultMinTunnels   = 3
	DefaultHopCount     = 3
	DefaultTickInterval = 60 * time.Second
	DefaultLifetime     = 600 * time.Second

	// DefaultMaxMessages bounds how much traffic one circuit carries before
	// it gets recycled, limiting what a single compromised path can see.
	DefaultMaxMessages = 1000
)

// CircuitBuilder is the slice of the onion builder the pool needs.
type CircuitBuilder interface {
	Create(ctx context.Context, relays []*types.Node) (*onion.Circuit, error)
	Send(ctx context.Context, circuitID string, plaintext []byte) ([]byte, error)
	Destroy(ctx context.Context, circuitID string)
}

// PeerSource hands out relay candidates, best scored first.
type PeerSource interface {
	BestPeers(n int) []*types.Node
}

// Config wires a Pool. Builder and Peers are required.
type Config struct {
	Builder CircuitBuilder
	Peers   PeerSource
	Clock   clock.Clock
	Logger  *logrus.Logger

	MinTunnels   int
	HopCount     int
	TickInterval time.Duration
	Lifetime     time.Duration
	MaxMessages  int
}

// Pool owns this node's outbound tunnels.
type Pool struct {
	builder CircuitBuilder
	peers   PeerSource
	clock   clock.Clock
	log     *logrus.Entry

	minTunnels  int
	hopCount    int
	tick        time.Duration
	lifetime    time.Duration
	maxMessages int

	// ticking is the single-flight guard: a maintenance pass still running
	// when the next tick fires absorbs it instead of running twice.
	ticking atomic.Bool

	mu      sync.RWMutex
	tunnels map[string]*Tunnel

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPool(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MinTunnels <= 0 {
		cfg.MinTunnels = DefaultMinTunnels
	}
	if cfg.HopCount < onion.MinHops || cfg.HopCount > onion.MaxHops {
		cfg.HopCount = DefaultHopCount
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}

	return &Pool{
		builder:     cfg.Builder,
		peers:       cfg.Peers,
		clock:       cfg.Clock,
		log:         cfg.Logger.WithField("component", "tunnel"),
		minTunnels:  cfg.MinTunnels,
		hopCount:    cfg.HopCount,
		tick:        cfg.TickInterval,
		lifetime:    cfg.Lifetime,
		maxMessages: cfg.MaxMessages,
		tunnels:     make(map[string]*Tunnel),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start runs a first maintenance pass and then ticks in the background until
// Stop or ctx cancellation.
func (p *Pool) Start(ctx context.Context) {
	p.Maintain(ctx)

	go func() {
		defer close(p.done)
		ticker := p.clock.Ticker(p.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.Maintain(ctx)
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the maintenance loop and tears every tunnel down.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		close(p.stop)
		<-p.done

		p.mu.Lock()
		tunnels := p.tunnels
		p.tunnels = make(map[string]*Tunnel)
		p.mu.Unlock()

		for _, t := range tunnels {
			t.setState(StateDisconnected)
			p.builder.Destroy(ctx, t.ID())
		}
	})
}

// Maintain is one tick: reap idle and overused tunnels, then rebuild to the
// floor. Guarded so overlapping ticks collapse into one.
func (p *Pool) Maintain(ctx context.Context) {
	if !p.ticking.CompareAndSwap(false, true) {
		p.log.Debug("maintenance already running, skipping tick")
		return
	}
	defer p.ticking.Store(false)

	p.reap(ctx)
	p.replenish(ctx)
}

func (p *Pool) reap(ctx context.Context) {
	now := p.clock.Now()

	p.mu.RLock()
	var stale []*Tunnel
	for _, t := range p.tunnels {
		if t.State() != StateConnected {
			continue
		}
		switch {
		case now.Sub(t.LastUsedAt()) > p.lifetime:
			p.log.Debugf("tunnel %s idle past lifetime", t.ID())
			stale = append(stale, t)
		case t.MessagesSent() > p.maxMessages:
			p.log.Debugf("recycling tunnel %s after %d messages", t.ID(), t.MessagesSent())
			stale = append(stale, t)
		}
	}
	p.mu.RUnlock()

	for _, t := range stale {
		p.destroy(ctx, t)
	}
}

func (p *Pool) replenish(ctx context.Context) {
	for p.ConnectedCount() < p.minTunnels {
		relays := p.peers.BestPeers(p.hopCount)
		if len(relays) < p.hopCount {
			p.log.Debugf("only %d relay candidates, pool stays short", len(relays))
			return
		}
		if err := p.build(ctx, relays); err != nil {
			p.log.WithError(err).Warn("tunnel build failed")
			return
		}
	}
}

func (p *Pool) build(ctx context.Context, relays []*types.Node) error {
	t := &Tunnel{
		state:      StateConnecting,
		createdAt:  p.clock.Now(),
		lastUsedAt: p.clock.Now(),
	}

	circuit, err := p.builder.Create(ctx, relays)
	if err != nil {
		t.setState(StateDisconnected)
		return err
	}

	t.mu.Lock()
	t.id = circuit.ID
	t.state = StateConnected
	t.mu.Unlock()

	p.mu.Lock()
	p.tunnels[circuit.ID] = t
	p.mu.Unlock()

	p.log.Debugf("tunnel %s connected over %d hops", circuit.ID, len(relays))
	return nil
}

func (p *Pool) destroy(ctx context.Context, t *Tunnel) {
	t.setState(StateDisconnected)

	p.mu.Lock()
	delete(p.tunnels, t.ID())
	p.mu.Unlock()

	p.builder.Destroy(ctx, t.ID())
}

// ActiveTunnel returns the connected tunnel with the fewest messages sent,
// or nil when the pool is empty.
func (p *Pool) ActiveTunnel() *Tunnel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var best *Tunnel
	for _, t := range p.tunnels {
		if t.State() != StateConnected {
			continue
		}
		if best == nil || t.MessagesSent() < best.MessagesSent() {
			best = t
		}
	}
	return best
}

// Send pushes plaintext through the least-loaded tunnel and returns the
// reply from the circuit's exit.
func (p *Pool) Send(ctx context.Context, plaintext []byte) ([]byte, error) {
	t := p.ActiveTunnel()
	if t == nil {
		return nil, ErrNoTunnel
	}

	reply, err := p.builder.Send(ctx, t.ID(), plaintext)
	if err != nil {
		return nil, err
	}

	t.markUsed(p.clock.Now())
	return reply, nil
}

// ConnectedCount reports how many tunnels can carry traffic right now.
func (p *Pool) ConnectedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, t := range p.tunnels {
		if t.State() == StateConnected {
			count++
		}
	}
	return count
}

// Tunnels snapshots the pool for status reporting.
func (p *Pool) Tunnels() []*Tunnel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Tunnel, 0, len(p.tunnels))
	for _, t := range p.tunnels {
		out = append(out, t)
	}
	return out
}
