// pkg/onion/relay.go
package onion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ExitHandler receives the fully peeled payload at a circuit's terminal
// relay and returns the reply to seal back up the path. A nil handler
// acknowledges with an empty reply.
type ExitHandler func(circuitID string, payload []byte) ([]byte, error)

// routeEntry is one circuit's state at this relay: the one key it learned
// in its handshake and, once extended past it, the next hop.
type routeEntry struct {
	key       []byte
	next      *types.Node
	createdAt time.Time
}

// Relay is the middle-and-exit-node side of the circuit protocol. It peels
// exactly one layer per cell with the single key it holds for that circuit;
// what comes out is either forwardable or, at the terminus, deliverable.
type Relay struct {
	link  Link
	exit  ExitHandler
	clock clock.Clock
	log   *logrus.Entry

	mu     sync.RWMutex
	routes map[string]*routeEntry
}

func NewRelay(link Link, exit ExitHandler, clk clock.Clock, logger *logrus.Logger) *Relay {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Relay{
		link:   link,
		exit:   exit,
		clock:  clk,
		log:    logger.WithField("component", "onion-relay"),
		routes: make(map[string]*routeEntry),
	}
}

// HandleCell processes one inbound cell and returns the cell to send back
// toward the initiator. Decryption failures drop the cell with an error; the
// transport logs and discards, it never relays garbage onward.
func (r *Relay) HandleCell(ctx context.Context, cell *Cell) (*Cell, error) {
	switch cell.Command {
	case CmdCreate:
		return r.handleCreate(cell)
	case CmdExtend, CmdData:
		return r.handleRelay(ctx, cell)
	case CmdDestroy:
		return r.handleDestroy(ctx, cell)
	default:
		return nil, fmt.Errorf("onion: unexpected command %d", cell.Command)
	}
}

// handleCreate answers a handshake: derive the shared key from the
// initiator's ephemeral, remember it for this circuit, send back our own.
func (r *Relay) handleCreate(cell *Cell) (*Cell, error) {
	ephPub, ephPriv, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}
	key, err := crypto.SharedKey(ephPriv, cell.Payload)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.routes[cell.CircuitID] = &routeEntry{key: key, createdAt: r.clock.Now()}
	r.mu.Unlock()

	r.log.Debugf("circuit %s created", cell.CircuitID)
	return &Cell{CircuitID: cell.CircuitID, Command: CmdCreated, Payload: ephPub}, nil
}

// handleRelay peels one layer and either forwards downstream or, at the end
// of the established path, acts on the plaintext: extend requests dial the
// next hop, data goes to the exit handler. The reply gains one seal with
// this relay's key on its way back.
func (r *Relay) handleRelay(ctx context.Context, cell *Cell) (*Cell, error) {
	entry, ok := r.route(cell.CircuitID)
	if !ok {
		return nil, ErrUnknownCircuit
	}

	peeled, err := crypto.Open(cell.Payload, entry.key)
	if err != nil {
		r.log.Warnf("dropping undecryptable cell on circuit %s", cell.CircuitID)
		return nil, err
	}

	var replyCmd Command
	var replyPlain []byte

	if entry.next != nil {
		downstream, err := r.link.Roundtrip(ctx, entry.next, &Cell{
			CircuitID: cell.CircuitID,
			Command:   cell.Command,
			Payload:   peeled,
		})
		if err != nil {
			return nil, err
		}
		replyCmd = downstream.Command
		replyPlain = downstream.Payload
	} else {
		switch cell.Command {
		case CmdExtend:
			replyPlain, err = r.extendCircuit(ctx, cell.CircuitID, peeled)
			if err != nil {
				return nil, err
			}
			replyCmd = CmdExtended
		case CmdData:
			replyPlain, err = r.deliver(cell.CircuitID, peeled)
			if err != nil {
				return nil, err
			}
			replyCmd = CmdData
		}
	}

	sealed, err := crypto.Seal(replyPlain, entry.key)
	if err != nil {
		return nil, err
	}
	return &Cell{CircuitID: cell.CircuitID, Command: replyCmd, Payload: sealed}, nil
}

// extendCircuit makes this relay the penultimate hop: run a create with the
// requested node and hand its ephemeral back to the initiator. The new hop's
// key never exists here.
func (r *Relay) extendCircuit(ctx context.Context, circuitID string, plain []byte) ([]byte, error) {
	var req extendRequest
	if err := json.Unmarshal(plain, &req); err != nil || req.Next == nil {
		return nil, errors.New("onion: malformed extend request")
	}

	reply, err := r.link.Roundtrip(ctx, req.Next, &Cell{
		CircuitID: circuitID,
		Command:   CmdCreate,
		Payload:   req.Ephemeral,
	})
	if err != nil {
		return nil, err
	}
	if reply.Command != CmdCreated {
		return nil, fmt.Errorf("onion: unexpected extend reply command %d", reply.Command)
	}

	r.mu.Lock()
	if entry, ok := r.routes[circuitID]; ok {
		entry.next = req.Next
	}
	r.mu.Unlock()

	r.log.Debugf("circuit %s extended", circuitID)
	return reply.Payload, nil
}

func (r *Relay) deliver(circuitID string, payload []byte) ([]byte, error) {
	if r.exit == nil {
		return nil, nil
	}
	return r.exit(circuitID, payload)
}

func (r *Relay) handleDestroy(ctx context.Context, cell *Cell) (*Cell, error) {
	r.mu.Lock()
	entry, ok := r.routes[cell.CircuitID]
	delete(r.routes, cell.CircuitID)
	r.mu.Unlock()

	if ok && entry.next != nil {
		if _, err := r.link.Roundtrip(ctx, entry.next, cell); err != nil {
			r.log.WithError(err).Debugf("destroy of %s stopped here", cell.CircuitID)
		}
	}
	return &Cell{CircuitID: cell.CircuitID, Command: CmdDestroy}, nil
}

// CleanupOldRoutes drops routing entries older than maxAge, covering
// circuits whose initiator never sent a destroy.
func (r *Relay) CleanupOldRoutes(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxCircuitAge
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reaped := 0
	for id, entry := range r.routes {
		if r.clock.Since(entry.createdAt) > maxAge {
			delete(r.routes, id)
			reaped++
		}
	}
	return reaped
}

// RouteCount reports how many circuits pass through this relay.
func (r *Relay) RouteCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func (r *Relay) route(id string) (*routeEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.routes[id]
	return entry, ok
}
