// pkg/pkarr/resolver_test.go
package pkarr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtoazt/paper-sub000/pkg/keystore"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// mapKV stands in for the DHT: a plain map guarded by a mutex.
type mapKV struct {
	mu   sync.Mutex
	data map[string][]byte
	down bool
}

func newMapKV() *mapKV {
	return &mapKV{data: make(map[string][]byte)}
}

func (m *mapKV) Put(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errors.New("network unreachable")
	}
	m.data[string(key)] = value
	return nil
}

func (m *mapKV) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return nil, errors.New("network unreachable")
	}
	value, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("not found")
	}
	return value, nil
}

func newTestResolver(t *testing.T) (*Resolver, *mapKV) {
	t.Helper()
	keys, err := keystore.New(t.TempDir())
	require.NoError(t, err)
	kv := newMapKV()
	return NewResolver(keys, kv, nil), kv
}

func TestPublishResolveRoundTrip(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	_, name, err := r.GenerateName()
	require.NoError(t, err)

	require.True(t, r.Publish(ctx, name, "hello world", time.Hour))

	// The cache would satisfy this; drop it to force the network path.
	r.Invalidate(name)

	rec, err := r.Resolve(ctx, name)
	require.NoError(t, err)
	require.Equal(t, name, rec.Name)
	require.Equal(t, "hello world", rec.Content)
	require.True(t, rec.VerifySignature())
}

func TestResolveUnknownName(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "abcdefghij234567abcdefghij.paper")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsTamperedRecord(t *testing.T) {
	r, kv := newTestResolver(t)
	ctx := context.Background()

	_, name, err := r.GenerateName()
	require.NoError(t, err)
	require.True(t, r.Publish(ctx, name, "original", time.Hour))
	r.Invalidate(name)

	// Rewrite the stored record's content without re-signing it.
	data, err := kv.Get(ctx, StorageKey(name))
	require.NoError(t, err)
	rec, err := types.DecodeRecord(data)
	require.NoError(t, err)
	rec.Content = "forged"
	forged, err := types.EncodeRecord(rec)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, StorageKey(name), forged))

	_, err = r.Resolve(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsGarbledPayload(t *testing.T) {
	r, kv := newTestResolver(t)
	ctx := context.Background()

	name := "abcdefghij234567abcdefghij.paper"
	require.NoError(t, kv.Put(ctx, StorageKey(name), []byte("not json at all")))

	_, err := r.Resolve(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsWrongOwnerForSelfCertifyingName(t *testing.T) {
	r, kv := newTestResolver(t)
	ctx := context.Background()

	// A correctly signed record published under a self-certifying name the
	// signing key does not hash to.
	attacker, _, err := r.GenerateName()
	require.NoError(t, err)

	_, target, err := r.GenerateName()
	require.NoError(t, err)

	rec := types.NewRecord(target, "squatted", types.KindStatic, time.Hour)
	require.NoError(t, rec.Sign(attacker.PublicKey, attacker.PrivateKey))
	data, err := types.EncodeRecord(rec)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, StorageKey(target), data))

	r.Invalidate(target)
	_, err = r.Resolve(ctx, target)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveRejectsExpiredRecord(t *testing.T) {
	r, kv := newTestResolver(t)
	ctx := context.Background()

	_, name, err := r.GenerateName()
	require.NoError(t, err)

	kp, ok := r.keys.Get(name)
	require.True(t, ok)

	rec := types.NewRecord(name, "stale", types.KindStatic, time.Second)
	rec.CreatedAt = time.Now().Add(-time.Minute).Unix()
	require.NoError(t, rec.Sign(kp.PublicKey, kp.PrivateKey))
	data, err := types.EncodeRecord(rec)
	require.NoError(t, err)
	require.NoError(t, kv.Put(ctx, StorageKey(name), data))

	_, err = r.Resolve(ctx, name)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPublishSurvivesNetworkOutage(t *testing.T) {
	r, kv := newTestResolver(t)
	ctx := context.Background()

	_, name, err := r.GenerateName()
	require.NoError(t, err)

	kv.mu.Lock()
	kv.down = true
	kv.mu.Unlock()

	// Push fails but the publish still succeeds locally.
	require.True(t, r.Publish(ctx, name, "offline", time.Hour))

	rec, ok := r.Cached(name)
	require.True(t, ok)
	require.Equal(t, "offline", rec.Content)

	// And resolution is served from cache while the network is down.
	got, err := r.Resolve(ctx, name)
	require.NoError(t, err)
	require.Equal(t, "offline", got.Content)
}
