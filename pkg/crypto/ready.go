// pkg/crypto/ready.go
package crypto

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"sync"
)

var (
	readyOnce sync.Once
	readyErr  error
)

// Ready blocks until the one-time self-test has run, then returns its result.
// Every exported operation of this package calls it, so the first caller pays
// for initialization and later calls are synchronous.
func Ready() error {
	readyOnce.Do(selfTest)
	return readyErr
}

// selfTest round-trips the primitives once with throwaway material. It must
// not call the exported functions, which gate on Ready themselves.
func selfTest() {
	plaintext := []byte("paper crypto self test")

	key := bytes.Repeat([]byte{0x42}, KeySize)
	aead, err := newAEAD(key)
	if err != nil {
		readyErr = err
		return
	}
	nonce := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	opened, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil || !bytes.Equal(opened, plaintext) {
		readyErr = errors.New("crypto: AEAD self-test failed")
		return
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		readyErr = err
		return
	}
	if !ed25519.Verify(pub, plaintext, ed25519.Sign(priv, plaintext)) {
		readyErr = errors.New("crypto: signature self-test failed")
	}
}
