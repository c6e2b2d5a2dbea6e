// Package onion builds fixed-length relay circuits and layer-encrypts
// traffic for them. Per-hop keys come from an X25519 handshake run at build
// time, so each relay holds only the key for its own layer; the initiator,
// having run every handshake, necessarily holds them all.
package onion

import (
	"context"
	"errors"
	"time"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

const (
	// MinHops and MaxHops bound the relay count of a circuit.
	MinHops = 3
	MaxHops = 5

	// DefaultMaxCircuitAge is how old a circuit may grow before cleanup
	// reaps it.
	DefaultMaxCircuitAge = 600 * time.Second
)

var (
	// ErrInvalidHopCount rejects a circuit build outside [MinHops, MaxHops].
	ErrInvalidHopCount = errors.New("onion: relay count must be between 3 and 5")

	// ErrUnknownCircuit reports a cell or send for a circuit this node does
	// not hold.
	ErrUnknownCircuit = errors.New("onion: unknown circuit")
)

// Link delivers one cell to a relay and waits for its reply. The network
// transport implements it over OnionCell messages; tests wire relays
// together in memory.
type Link interface {
	Roundtrip(ctx context.Context, node *types.Node, cell *Cell) (*Cell, error)
}

// Circuit is an established path. Hop keys stay inside the package; traffic
// goes through Builder.Send.
type Circuit struct {
	ID        string
	Relays    []*types.Node
	CreatedAt time.Time

	keys [][]byte // one symmetric key per relay, first hop first
}

// Hops reports the relay count.
func (c *Circuit) Hops() int {
	return len(c.Relays)
}
