// Package resolve routes name lookups across the local stores and any
// configured external sources, and fans writes out on registration.
package resolve

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/keystore"
	"github.com/xtoazt/paper-sub000/pkg/pkarr"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ErrInvalidName reports a name outside the registered grammar.
var ErrInvalidName = errors.New("resolve: name does not match the paper grammar")

// ErrNotOwner reports an update attempt without the name's signing key.
var ErrNotOwner = errors.New("resolve: no signing key held for this name")

// KV is the replicated key/value backend, keyed by sha256(name).
type KV interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Delete(ctx context.Context, key []byte) error
}

// Source resolves names some other way, typically a remote gateway.
type Source interface {
	Resolve(ctx context.Context, name string) (*types.Record, error)
}

// DHTResolver dispatches on name shape: self-certifying names and human
// names share the same keyspace, but only the former must re-derive from
// the owner key. External sources are consulted last.
type DHTResolver struct {
	keys    *keystore.Store
	names   *pkarr.Resolver
	kv      KV
	sources []Source
	log     *logrus.Entry
}

func NewDHTResolver(keys *keystore.Store, names *pkarr.Resolver, kv KV, logger *logrus.Logger, sources ...Source) *DHTResolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DHTResolver{
		keys:    keys,
		names:   names,
		kv:      kv,
		sources: sources,
		log:     logger.WithField("component", "resolve"),
	}
}

// Resolve returns a verified record for name, trying the local cache and
// key/value network first and the external sources after. Records learned
// from a source are republished locally so the next lookup stays on-net.
func (r *DHTResolver) Resolve(ctx context.Context, name string) (*types.Record, error) {
	if !pkarr.ValidName(name) {
		return nil, ErrInvalidName
	}

	rec, err := r.names.Resolve(ctx, name)
	if err == nil {
		return rec, nil
	}

	for _, src := range r.sources {
		rec, err := src.Resolve(ctx, name)
		if err != nil {
			r.log.WithError(err).Debugf("external source missed %s", name)
			continue
		}
		if !acceptable(rec, name) {
			r.log.Warnf("external source returned an unverifiable record for %s", name)
			continue
		}
		if err := r.names.PublishRecord(ctx, rec); err != nil {
			r.log.WithError(err).Debugf("republish of %s failed", name)
		}
		return rec, nil
	}

	return nil, pkarr.ErrNotFound
}

// Register signs and publishes a record for name. An empty name mints a
// fresh keypair and derives a self-certifying name from it.
func (r *DHTResolver) Register(ctx context.Context, name, content string, kind types.RecordKind, ttl time.Duration) (*types.Record, error) {
	if name == "" {
		_, minted, err := r.names.GenerateName()
		if err != nil {
			return nil, err
		}
		name = minted
	} else if !pkarr.ValidName(name) {
		return nil, ErrInvalidName
	}

	kp, err := r.keys.Obtain(name)
	if err != nil {
		return nil, err
	}

	rec := types.NewRecord(name, content, kind, ttl)
	if err := rec.Sign(kp.PublicKey, kp.PrivateKey); err != nil {
		return nil, err
	}
	if err := r.names.PublishRecord(ctx, rec); err != nil {
		return nil, err
	}

	r.log.Infof("registered %s (%s)", name, kind)
	return rec, nil
}

// PublishRecord pushes an already-signed record into the key/value store.
// This is the write half of the generic (non-pkarr) path; callers that fan
// a record across every store use it alongside the name resolver's publish.
func (r *DHTResolver) PublishRecord(ctx context.Context, rec *types.Record) error {
	if !pkarr.ValidName(rec.Name) {
		return ErrInvalidName
	}
	if !rec.VerifySignature() {
		return errors.New("resolve: record signature does not verify")
	}
	data, err := types.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return r.kv.Put(ctx, pkarr.StorageKey(rec.Name), data)
}

// Update re-signs name with new content. Only the holder of the original
// signing key can update; the record kind carries over when known.
func (r *DHTResolver) Update(ctx context.Context, name, content string) (*types.Record, error) {
	if !pkarr.ValidName(name) {
		return nil, ErrInvalidName
	}
	kp, ok := r.keys.Get(name)
	if !ok {
		return nil, ErrNotOwner
	}

	kind := types.KindDynamic
	if prev, ok := r.names.Cached(name); ok {
		kind = prev.Kind
	}

	rec := types.NewRecord(name, content, kind, 0)
	if err := rec.Sign(kp.PublicKey, kp.PrivateKey); err != nil {
		return nil, err
	}
	if err := r.names.PublishRecord(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete clears local state for name. The network keeps its replicas until
// their TTLs run out; there is no remote delete.
func (r *DHTResolver) Delete(ctx context.Context, name string) error {
	if !pkarr.ValidName(name) {
		return ErrInvalidName
	}
	r.names.Invalidate(name)
	return r.kv.Delete(ctx, pkarr.StorageKey(name))
}

// acceptable applies the same checks the on-net path applies: name match,
// valid signature, self-certification when the shape demands it, not expired.
func acceptable(rec *types.Record, name string) bool {
	if rec == nil || rec.Name != name || !rec.VerifySignature() {
		return false
	}
	if pkarr.IsSelfCertifying(name) && pkarr.NameFromPublicKey(rec.OwnerKey()) != name {
		return false
	}
	return !rec.Expired(time.Now())
}
