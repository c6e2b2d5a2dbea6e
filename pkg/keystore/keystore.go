// pkg/keystore/keystore.go
package keystore

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
)

// Store holds one keypair per registered name. With a directory configured,
// pairs survive restarts as JSON files; with an empty directory the store is
// memory-only (used by tests and ephemeral nodes).
type Store struct {
	dir   string
	mu    sync.RWMutex
	pairs map[string]*crypto.KeyPair
}

type serializedKey struct {
	Private string `json:"private"`
	Public  string `json:"public"`
}

// New opens a store rooted at dir, loading any previously saved keypairs.
func New(dir string) (*Store, error) {
	s := &Store{
		dir:   dir,
		pairs: make(map[string]*crypto.KeyPair),
	}
	if dir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		kp, err := loadKeyFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			// Unreadable key files are skipped, not fatal
			continue
		}
		s.pairs[name] = kp
	}
	return s, nil
}

// Get returns the keypair stored under name, if any.
func (s *Store) Get(name string) (*crypto.KeyPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kp, ok := s.pairs[name]
	return kp, ok
}

// Put stores a keypair under name, persisting it when a directory is set.
func (s *Store) Put(name string, kp *crypto.KeyPair) error {
	s.mu.Lock()
	s.pairs[name] = kp
	s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	return saveKeyFile(s.keyPath(name), kp)
}

// Obtain returns the keypair owning name, minting and persisting a fresh one
// on first use.
func (s *Store) Obtain(name string) (*crypto.KeyPair, error) {
	if kp, ok := s.Get(name); ok {
		return kp, nil
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := s.Put(name, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// Names lists every name with a stored keypair.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.pairs))
	for name := range s.pairs {
		names = append(names, name)
	}
	return names
}

func (s *Store) keyPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func saveKeyFile(path string, kp *crypto.KeyPair) error {
	data := serializedKey{
		Private: base64.RawURLEncoding.EncodeToString(kp.PrivateKey),
		Public:  base64.RawURLEncoding.EncodeToString(kp.PublicKey),
	}
	buf, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0600)
}

func loadKeyFile(path string) (*crypto.KeyPair, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data serializedKey
	if err := json.Unmarshal(buf, &data); err != nil {
		return nil, err
	}
	priv, err := base64.RawURLEncoding.DecodeString(data.Private)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("keystore: invalid private key")
	}
	pub, err := base64.RawURLEncoding.DecodeString(data.Public)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, errors.New("keystore: invalid public key")
	}
	return &crypto.KeyPair{
		PublicKey:  ed25519.PublicKey(pub),
		PrivateKey: ed25519.PrivateKey(priv),
	}, nil
}
