// internal/store/local.go
package store

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("value not found")

// Local is the in-process key/value store backing this node's DHT slice.
type Local struct {
	data map[string][]byte
	mu   sync.RWMutex
}

func NewLocal() *Local {
	return &Local{
		data: make(map[string][]byte),
	}
}

func (s *Local) Store(key []byte, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = value
	return nil
}

func (s *Local) Retrieve(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if value, ok := s.data[string(key)]; ok {
		return value, nil
	}
	return nil, ErrNotFound
}

// Delete removes a key locally. DHT deletes are advisory-only, so this is the
// whole of what "delete" can mean here.
func (s *Local) Delete(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, string(key))
}

// Len reports how many values this node currently holds.
func (s *Local) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
