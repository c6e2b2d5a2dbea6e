// pkg/pkarr/resolver.go
package pkarr

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
	"github.com/xtoazt/paper-sub000/pkg/keystore"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ErrNotFound covers every way a name can fail to resolve: missing record,
// unreachable network, garbled payload, bad signature. Callers cannot tell
// these apart, which is a documented weakness of the protocol.
var ErrNotFound = errors.New("pkarr: name not found")

const cacheSize = 1024

// KV is the key/value network records are pushed to and fetched from.
type KV interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
}

// Resolver publishes and resolves single-owner records: names derived from a
// public key, records signed by it. Publishing is eventually consistent; the
// local cache is updated before the network push, and a failed push is logged
// rather than surfaced, so cache and network may diverge until the next
// successful publish.
type Resolver struct {
	keys  *keystore.Store
	kv    KV
	cache *expirable.LRU[string, *types.Record]
	log   *logrus.Entry
}

func NewResolver(keys *keystore.Store, kv KV, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		keys:  keys,
		kv:    kv,
		cache: expirable.NewLRU[string, *types.Record](cacheSize, nil, types.DefaultRecordTTL),
		log:   logger.WithField("component", "pkarr"),
	}
}

// GenerateName mints a keypair, derives its name, and stores the pair under
// that name.
func (r *Resolver) GenerateName() (*crypto.KeyPair, string, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	name := NameFromPublicKey(kp.PublicKey)
	if err := r.keys.Put(name, kp); err != nil {
		return nil, "", err
	}
	return kp, name, nil
}

// Publish signs a static record for name and pushes it out. It reports true
// once signing and local caching succeed; a failed network push only logs.
func (r *Resolver) Publish(ctx context.Context, name, content string, ttl time.Duration) bool {
	rec := types.NewRecord(name, content, types.KindStatic, ttl)
	kp, err := r.keys.Obtain(name)
	if err != nil {
		r.log.WithError(err).Warnf("no keypair for %s", name)
		return false
	}
	if err := rec.Sign(kp.PublicKey, kp.PrivateKey); err != nil {
		return false
	}
	return r.PublishRecord(ctx, rec) == nil
}

// PublishRecord caches an already-signed record and pushes it to the network.
// The returned error reflects signing/caching problems only.
func (r *Resolver) PublishRecord(ctx context.Context, rec *types.Record) error {
	if !rec.VerifySignature() {
		return errors.New("pkarr: record signature does not verify")
	}
	r.cache.Add(rec.Name, rec)

	data, err := types.EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := r.kv.Put(ctx, StorageKey(rec.Name), data); err != nil {
		// Eventual consistency: local state is ahead of the network now
		r.log.WithError(err).Warnf("network push failed for %s", rec.Name)
	}
	return nil
}

// Resolve returns the record for name, from cache when fresh, otherwise from
// the network after verifying the signature and, for self-certifying names,
// re-deriving the name from the owner key. Anything that fails verification
// resolves to ErrNotFound with no further detail.
func (r *Resolver) Resolve(ctx context.Context, name string) (*types.Record, error) {
	if rec, ok := r.cache.Get(name); ok && !rec.Expired(time.Now()) {
		return rec, nil
	}

	data, err := r.kv.Get(ctx, StorageKey(name))
	if err != nil {
		return nil, ErrNotFound
	}
	rec, err := types.DecodeRecord(data)
	if err != nil {
		r.log.Debugf("garbled payload for %s", name)
		return nil, ErrNotFound
	}
	if rec.Name != name || !rec.VerifySignature() {
		r.log.Debugf("rejecting unverifiable record for %s", name)
		return nil, ErrNotFound
	}
	if IsSelfCertifying(name) && NameFromPublicKey(rec.OwnerKey()) != name {
		r.log.Warnf("record for %s not certified by its owner key", name)
		return nil, ErrNotFound
	}
	if rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}

	r.cache.Add(name, rec)
	return rec, nil
}

// Cached returns the locally cached record for name without touching the
// network.
func (r *Resolver) Cached(name string) (*types.Record, bool) {
	rec, ok := r.cache.Get(name)
	if !ok || rec.Expired(time.Now()) {
		return nil, false
	}
	return rec, true
}

// Invalidate drops the cached record for name.
func (r *Resolver) Invalidate(name string) {
	r.cache.Remove(name)
}
