// pkg/bus/memory.go
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the process-local bus. Remote links attach through taps: a tap
// sees every locally published envelope and can feed remote envelopes back
// in via Deliver.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]map[int]Handler
	taps map[int]func(*Envelope)
	next int
}

func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string]map[int]Handler),
		taps: make(map[int]func(*Envelope)),
	}
}

// Publish wraps data in a fresh envelope and hands it to local subscribers
// and every tap.
func (b *Memory) Publish(ctx context.Context, topic string, data json.RawMessage) error {
	env := &Envelope{
		ID:        uuid.NewString(),
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	b.Deliver(env)

	b.mu.RLock()
	taps := make([]func(*Envelope), 0, len(b.taps))
	for _, tap := range b.taps {
		taps = append(taps, tap)
	}
	b.mu.RUnlock()

	for _, tap := range taps {
		go tap(env)
	}
	return nil
}

// Deliver dispatches an existing envelope to local subscribers only. Remote
// links use this for envelopes that arrived over the wire.
func (b *Memory) Deliver(env *Envelope) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[env.Topic]))
	for _, h := range b.subs[env.Topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(env)
	}
}

func (b *Memory) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	id := b.next
	b.next++
	b.subs[topic][id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}
}

// Tap registers a callback for every locally published envelope.
func (b *Memory) Tap(fn func(*Envelope)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.taps[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.taps, id)
	}
}
