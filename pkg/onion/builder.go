// pkg/onion/builder.go
package onion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// extendRequest asks the current last hop to dial one more relay. It is the
// innermost plaintext of a CmdExtend cell.
type extendRequest struct {
	Next      *types.Node `json:"next"`
	Ephemeral []byte      `json:"ephemeral"`
}

// Builder creates circuits, runs the per-hop handshakes, and moves layered
// traffic through them.
type Builder struct {
	link  Link
	clock clock.Clock
	log   *logrus.Entry

	mu       sync.RWMutex
	circuits map[string]*Circuit
}

func NewBuilder(link Link, clk clock.Clock, logger *logrus.Logger) *Builder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Builder{
		link:     link,
		clock:    clk,
		log:      logger.WithField("component", "onion"),
		circuits: make(map[string]*Circuit),
	}
}

// Create builds a circuit through relays, in order. Hop one gets a CmdCreate
// with a fresh X25519 ephemeral; every later hop is reached by a CmdExtend
// wrapped in the layers already standing, so no relay sees a key but its own.
// A handshake failure at any hop abandons the whole build.
func (b *Builder) Create(ctx context.Context, relays []*types.Node) (*Circuit, error) {
	if len(relays) < MinHops || len(relays) > MaxHops {
		return nil, ErrInvalidHopCount
	}

	id, err := NewCircuitID()
	if err != nil {
		return nil, err
	}

	keys := make([][]byte, 0, len(relays))

	firstKey, err := b.createFirstHop(ctx, id, relays[0])
	if err != nil {
		return nil, fmt.Errorf("onion: handshake with first hop failed: %w", err)
	}
	keys = append(keys, firstKey)

	for i := 1; i < len(relays); i++ {
		key, err := b.extend(ctx, id, relays[0], relays[i], keys)
		if err != nil {
			b.teardown(ctx, id, relays[0])
			return nil, fmt.Errorf("onion: extend to hop %d failed: %w", i+1, err)
		}
		keys = append(keys, key)
	}

	circuit := &Circuit{
		ID:        id,
		Relays:    relays,
		CreatedAt: b.clock.Now(),
		keys:      keys,
	}

	b.mu.Lock()
	b.circuits[id] = circuit
	b.mu.Unlock()

	b.log.WithFields(logrus.Fields{
		"circuit": id,
		"hops":    len(relays),
	}).Debug("circuit established")
	return circuit, nil
}

func (b *Builder) createFirstHop(ctx context.Context, id string, relay *types.Node) ([]byte, error) {
	ephPub, ephPriv, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}

	reply, err := b.link.Roundtrip(ctx, relay, &Cell{CircuitID: id, Command: CmdCreate, Payload: ephPub})
	if err != nil {
		return nil, err
	}
	if reply.Command != CmdCreated {
		return nil, fmt.Errorf("unexpected reply command %d", reply.Command)
	}
	return crypto.SharedKey(ephPriv, reply.Payload)
}

// extend runs the handshake with next through the layers in keys. The reply
// comes back sealed once per standing hop; opening them first-to-last leaves
// the new relay's ephemeral.
func (b *Builder) extend(ctx context.Context, id string, first, next *types.Node, keys [][]byte) ([]byte, error) {
	ephPub, ephPriv, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}

	plain, err := json.Marshal(extendRequest{Next: next, Ephemeral: ephPub})
	if err != nil {
		return nil, err
	}
	blob, err := wrap(plain, keys)
	if err != nil {
		return nil, err
	}

	reply, err := b.link.Roundtrip(ctx, first, &Cell{CircuitID: id, Command: CmdExtend, Payload: blob})
	if err != nil {
		return nil, err
	}
	if reply.Command != CmdExtended {
		return nil, fmt.Errorf("unexpected reply command %d", reply.Command)
	}

	relayEph, err := unwrap(reply.Payload, keys)
	if err != nil {
		return nil, err
	}
	return crypto.SharedKey(ephPriv, relayEph)
}

// Send wraps plaintext in one layer per relay, innermost for the last hop,
// and hands the blob to the first relay only. The reply travels the circuit
// in reverse, one seal per hop, and is opened here the same way an extend
// reply is.
func (b *Builder) Send(ctx context.Context, circuitID string, plaintext []byte) ([]byte, error) {
	circuit, ok := b.Circuit(circuitID)
	if !ok {
		return nil, ErrUnknownCircuit
	}

	blob, err := wrap(plaintext, circuit.keys)
	if err != nil {
		return nil, err
	}

	reply, err := b.link.Roundtrip(ctx, circuit.Relays[0], &Cell{CircuitID: circuitID, Command: CmdData, Payload: blob})
	if err != nil {
		return nil, err
	}
	return unwrap(reply.Payload, circuit.keys)
}

// Destroy tears the circuit down along its path and forgets it locally. The
// teardown is best effort; an unreachable relay just keeps its entry until
// its own cleanup.
func (b *Builder) Destroy(ctx context.Context, circuitID string) {
	b.mu.Lock()
	circuit, ok := b.circuits[circuitID]
	delete(b.circuits, circuitID)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.teardown(ctx, circuitID, circuit.Relays[0])
}

func (b *Builder) teardown(ctx context.Context, id string, first *types.Node) {
	if _, err := b.link.Roundtrip(ctx, first, &Cell{CircuitID: id, Command: CmdDestroy}); err != nil {
		b.log.WithError(err).Debugf("teardown of %s did not reach the circuit", id)
	}
}

// CleanupOldCircuits destroys every circuit older than maxAge and reports
// how many went.
func (b *Builder) CleanupOldCircuits(ctx context.Context, maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxCircuitAge
	}

	b.mu.RLock()
	var stale []string
	for id, circuit := range b.circuits {
		if b.clock.Since(circuit.CreatedAt) > maxAge {
			stale = append(stale, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range stale {
		b.Destroy(ctx, id)
	}
	if len(stale) > 0 {
		b.log.Debugf("reaped %d stale circuits", len(stale))
	}
	return len(stale)
}

// Circuit returns the live circuit with the given ID.
func (b *Builder) Circuit(id string) (*Circuit, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	circuit, ok := b.circuits[id]
	return circuit, ok
}

// CircuitCount reports how many circuits are standing.
func (b *Builder) CircuitCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.circuits)
}

// wrap seals plaintext once per key, innermost with the last key, so the
// first relay peels the outermost layer.
func wrap(plaintext []byte, keys [][]byte) ([]byte, error) {
	blob := plaintext
	for i := len(keys) - 1; i >= 0; i-- {
		sealed, err := crypto.Seal(blob, keys[i])
		if err != nil {
			return nil, err
		}
		blob = sealed
	}
	return blob, nil
}

// unwrap opens a reply blob sealed once per hop on the way back, first hop's
// layer outermost.
func unwrap(blob []byte, keys [][]byte) ([]byte, error) {
	for _, key := range keys {
		opened, err := crypto.Open(blob, key)
		if err != nil {
			return nil, err
		}
		blob = opened
	}
	return blob, nil
}
