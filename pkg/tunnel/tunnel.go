// pkg/tunnel/tunnel.go
package tunnel

import (
	"sync"
	"time"
)

// State tracks a tunnel's lifecycle: connecting while its circuit builds,
// connected once traffic can flow, disconnected after destroy, idle timeout,
// or a forced recycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// Tunnel wraps one circuit with usage accounting. The ID equals the
// underlying circuit's ID once the build completes.
type Tunnel struct {
	mu           sync.RWMutex
	id           string
	state        State
	createdAt    time.Time
	lastUsedAt   time.Time
	messagesSent int
}

func (t *Tunnel) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

func (t *Tunnel) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Tunnel) MessagesSent() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.messagesSent
}

func (t *Tunnel) LastUsedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastUsedAt
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

func (t *Tunnel) markUsed(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUsedAt = now
	t.messagesSent++
}
