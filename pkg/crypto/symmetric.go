// pkg/crypto/symmetric.go
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the symmetric key length in bytes (AES-256).
const KeySize = 32

// ErrDecrypt is returned for every authentication failure. Wrong key and
// corrupt ciphertext are deliberately indistinguishable; the AEAD tag check
// runs in constant time.
var ErrDecrypt = errors.New("crypto: decryption failed")

// NewSymmetricKey returns a fresh random 32-byte key.
func NewSymmetricKey() ([]byte, error) {
	if err := Ready(); err != nil {
		return nil, err
	}
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key and returns nonce||ciphertext as one blob.
func Seal(plaintext, key []byte) ([]byte, error) {
	if err := Ready(); err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Any tamper, truncation, or wrong key yields ErrDecrypt.
func Open(blob, key []byte) ([]byte, error) {
	if err := Ready(); err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// GenerateExchangeKey returns an ephemeral X25519 key pair for a circuit
// handshake.
func GenerateExchangeKey() (pub, priv []byte, err error) {
	if err := Ready(); err != nil {
		return nil, nil, err
	}
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// SharedKey derives the symmetric key both handshake parties agree on:
// sha256 of the X25519 shared secret.
func SharedKey(priv, peerPub []byte) ([]byte, error) {
	if err := Ready(); err != nil {
		return nil, err
	}
	secret, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, err
	}
	key := sha256.Sum256(secret)
	return key[:], nil
}

// Hash returns the SHA-256 digest of data as a 32-byte slice.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}
