// Package discovery tracks relay candidates for the tunnel pool: peers
// learned over mDNS, from static seeds, or from live transport links, each
// scored by how reliably it has behaved.
package discovery

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

// DefaultPeerMaxAge is how long a peer survives without being seen again.
const DefaultPeerMaxAge = 5 * time.Minute

// Peer is one relay candidate with its reliability accounting.
type Peer struct {
	Node      *types.Node `json:"node"`
	FirstSeen time.Time   `json:"firstSeen"`
	LastSeen  time.Time   `json:"lastSeen"`
	Successes int         `json:"successes"`
	Failures  int         `json:"failures"`
}

// Score ranks a peer for relay selection. Failures weigh double so a flaky
// peer drops below a fresh unknown one.
func (p *Peer) Score() int {
	return p.Successes - 2*p.Failures
}

// Registry is the peer set. Writers are the mDNS browser, seed loading, and
// the transport's identify callback; the tunnel pool reads.
type Registry struct {
	clock clock.Clock
	mu    sync.RWMutex
	peers map[string]*Peer
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock: clk,
		peers: make(map[string]*Peer),
	}
}

// Add inserts or refreshes a peer. Scores survive a refresh; only the
// address and last-seen stamp move.
func (r *Registry) Add(node *types.Node) {
	if node == nil || len(node.ID) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if existing, ok := r.peers[node.ShortID()]; ok {
		existing.Node = node
		existing.LastSeen = now
		return
	}
	r.peers[node.ShortID()] = &Peer{
		Node:      node,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// Get returns the peer stored under id.
func (r *Registry) Get(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// ReportSuccess credits a peer after a working circuit or query.
func (r *Registry) ReportSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Successes++
		p.LastSeen = r.clock.Now()
	}
}

// ReportFailure debits a peer after a failed dial or handshake.
func (r *Registry) ReportFailure(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.Failures++
	}
}

// BestPeers returns up to n distinct peers, best score first, most recently
// seen breaking ties.
func (r *Registry) BestPeers(n int) []*types.Node {
	r.mu.RLock()
	ranked := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		ranked = append(ranked, p)
	}
	r.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score() != ranked[j].Score() {
			return ranked[i].Score() > ranked[j].Score()
		}
		return ranked[i].LastSeen.After(ranked[j].LastSeen)
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	nodes := make([]*types.Node, 0, n)
	for _, p := range ranked[:n] {
		nodes = append(nodes, p.Node)
	}
	return nodes
}

// All snapshots the registry for status reporting.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	return peers
}

// Cleanup drops peers not seen within maxAge and reports how many went.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultPeerMaxAge
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	dropped := 0
	for id, p := range r.peers {
		if now.Sub(p.LastSeen) > maxAge {
			delete(r.peers, id)
			dropped++
		}
	}
	return dropped
}

// Count reports how many peers are known.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
