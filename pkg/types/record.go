// pkg/types/record.go
package types

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// RecordKind classifies what a record's content points at.
type RecordKind string

const (
	KindStatic  RecordKind = "static"  // immutable content id
	KindDynamic RecordKind = "dynamic" // mutable content id, republished on change
	KindServer  RecordKind = "server"  // live peer address
)

// DefaultRecordTTL is applied when a record carries no TTL of its own.
const DefaultRecordTTL = 3600 * time.Second

// Record binds a name to content under an owner key. The signature covers
// (owner, name, content, kind, createdAt); Verified and Replicas are advisory
// local state and are recomputed by every receiver.
type Record struct {
	Owner      string     `json:"owner"` // hex-encoded ed25519 public key
	Name       string     `json:"name"`
	Content    string     `json:"content"`
	Kind       RecordKind `json:"kind"`
	CreatedAt  int64      `json:"createdAt"` // unix seconds
	Signature  string     `json:"signature"` // hex-encoded ed25519 signature
	TTLSeconds int64      `json:"ttlSeconds"`

	Verified bool `json:"verified,omitempty"`
	Replicas int  `json:"replicas,omitempty"`
}

// NewRecord builds an unsigned record stamped with the current time.
func NewRecord(name, content string, kind RecordKind, ttl time.Duration) *Record {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &Record{
		Name:       name,
		Content:    content,
		Kind:       kind,
		CreatedAt:  time.Now().Unix(),
		TTLSeconds: int64(ttl / time.Second),
	}
}

// signingBytes is the canonical byte form covered by the signature.
func (r *Record) signingBytes() []byte {
	buf := new(bytes.Buffer)
	for _, field := range []string{r.Owner, r.Name, r.Content, string(r.Kind)} {
		binary.Write(buf, binary.BigEndian, uint32(len(field)))
		buf.WriteString(field)
	}
	binary.Write(buf, binary.BigEndian, r.CreatedAt)
	return buf.Bytes()
}

// Sign stamps Owner from the public key and signs the record.
func (r *Record) Sign(publicKey ed25519.PublicKey, privateKey ed25519.PrivateKey) error {
	r.Owner = hex.EncodeToString(publicKey)
	r.Signature = hex.EncodeToString(ed25519.Sign(privateKey, r.signingBytes()))
	return nil
}

// VerifySignature checks the signature against the embedded owner key.
func (r *Record) VerifySignature() bool {
	owner, err := hex.DecodeString(r.Owner)
	if err != nil || len(owner) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(owner), r.signingBytes(), sig)
}

// Expired reports whether the record has outlived its TTL at the given time.
func (r *Record) Expired(now time.Time) bool {
	ttl := r.TTLSeconds
	if ttl <= 0 {
		ttl = int64(DefaultRecordTTL / time.Second)
	}
	return now.Unix()-r.CreatedAt > ttl
}

// OwnerKey decodes the owner field, or nil if it is not a valid key.
func (r *Record) OwnerKey() ed25519.PublicKey {
	owner, err := hex.DecodeString(r.Owner)
	if err != nil || len(owner) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(owner)
}

// Clone returns a shallow copy so callers can flag Verified/Replicas without
// mutating shared cache entries.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// EncodeRecord serializes a record to its wire (JSON) form.
func EncodeRecord(r *Record) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a wire-form record. Garbled input yields an error; the
// caller treats that the same as "not found".
func DecodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
