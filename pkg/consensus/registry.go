// Package consensus resolves name conflicts by majority vote across every
// source that can hold a record: the local resolvers, the key/value network,
// and live peers answering over the bus.
package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtoazt/paper-sub000/pkg/bus"
	"github.com/xtoazt/paper-sub000/pkg/keystore"
	"github.com/xtoazt/paper-sub000/pkg/pkarr"
	"github.com/xtoazt/paper-sub000/pkg/resolve"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ErrNotFound reports that no source produced a usable record.
var ErrNotFound = errors.New("consensus: no record found")

const (
	// resultTTL bounds how long a consensus result can be reused.
	resultTTL = 5 * time.Minute
	// reuseMinPct is the agreement floor below which a cached result is
	// recomputed instead of reused.
	reuseMinPct = 50.0

	defaultQuorum       = 3
	defaultQueryTimeout = 2 * time.Second
)

type queryPayload struct {
	Name string `json:"name"`
}

// Config wires a Registry. Names, Router, Bus, and Keys are required.
type Config struct {
	Names  *pkarr.Resolver
	Router *resolve.DHTResolver
	Bus    bus.Bus
	Keys   *keystore.Store
	Clock  clock.Clock
	Logger *logrus.Logger

	// Quorum is how many peer responses end a vote collection early.
	Quorum int
	// QueryTimeout bounds the peer collection when quorum never arrives.
	QueryTimeout time.Duration
}

type cachedResult struct {
	result *types.ConsensusResult
	at     time.Time
}

// Registry is the global name authority for one node. It answers peer
// queries from its own record set and resolves foreign names by collecting
// candidates from every source and voting.
type Registry struct {
	names   *pkarr.Resolver
	router  *resolve.DHTResolver
	bus     bus.Bus
	keys    *keystore.Store
	clock   clock.Clock
	log     *logrus.Entry
	quorum  int
	timeout time.Duration

	flight singleflight.Group

	mu      sync.RWMutex
	records map[string]*types.Record
	results map[string]*cachedResult
	unsubs  []func()
}

func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = defaultQuorum
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}

	return &Registry{
		names:   cfg.Names,
		router:  cfg.Router,
		bus:     cfg.Bus,
		keys:    cfg.Keys,
		clock:   cfg.Clock,
		log:     cfg.Logger.WithField("component", "consensus"),
		quorum:  cfg.Quorum,
		timeout: cfg.QueryTimeout,
		records: make(map[string]*types.Record),
		results: make(map[string]*cachedResult),
	}
}

// Start attaches the bus listeners. Announce and update envelopes overwrite
// the local record for their name (last write wins by arrival; there is no
// causal ordering on the bus), queries are answered from local state.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.unsubs) > 0 {
		return
	}
	r.unsubs = append(r.unsubs,
		r.bus.Subscribe(bus.TopicAnnounce, r.onRecord),
		r.bus.Subscribe(bus.TopicUpdate, r.onRecord),
		r.bus.Subscribe(bus.TopicQuery, r.onQuery),
	)
}

// Stop detaches the bus listeners.
func (r *Registry) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// RegisterGlobal signs a record for name and pushes it everywhere: local
// record set, the name resolver's store, the key/value network, and a
// domain:announce broadcast. The propagation steps fail independently; a nil
// error means local state and the signature are good, not that the network
// heard about it.
func (r *Registry) RegisterGlobal(ctx context.Context, name, content string, kind types.RecordKind) (*types.Record, error) {
	if name == "" {
		_, minted, err := r.names.GenerateName()
		if err != nil {
			return nil, err
		}
		name = minted
	} else if !pkarr.ValidName(name) {
		return nil, resolve.ErrInvalidName
	}

	kp, err := r.keys.Obtain(name)
	if err != nil {
		return nil, err
	}
	rec := types.NewRecord(name, content, kind, 0)
	if err := rec.Sign(kp.PublicKey, kp.PrivateKey); err != nil {
		return nil, err
	}

	local := rec.Clone()
	local.Verified = true
	local.Replicas = 1
	r.setLocal(local)

	if err := r.names.PublishRecord(ctx, rec); err != nil {
		r.log.WithError(err).Warnf("name store publish of %s failed", name)
	}
	if err := r.router.PublishRecord(ctx, rec); err != nil {
		r.log.WithError(err).Warnf("key/value publish of %s failed", name)
	}
	if err := r.announce(ctx, bus.TopicAnnounce, rec); err != nil {
		r.log.WithError(err).Warnf("announce of %s failed", name)
	}

	r.log.Infof("registered %s globally", name)
	return rec, nil
}

// UpdateGlobal re-signs name with new content and pushes the new record the
// same way RegisterGlobal does, on the update topic.
func (r *Registry) UpdateGlobal(ctx context.Context, name, content string) (*types.Record, error) {
	rec, err := r.router.Update(ctx, name, content)
	if err != nil {
		return nil, err
	}

	local := rec.Clone()
	local.Verified = true
	local.Replicas = 1
	r.setLocal(local)
	r.invalidateResult(name)

	if err := r.announce(ctx, bus.TopicUpdate, rec); err != nil {
		r.log.WithError(err).Warnf("update broadcast of %s failed", name)
	}
	return rec, nil
}

// ResolveGlobal returns the network's majority answer for name. A cached
// result younger than five minutes is reused when its agreement reached at
// least fifty percent; anything weaker gets recomputed. Concurrent resolves
// of the same name share one flight.
func (r *Registry) ResolveGlobal(ctx context.Context, name string) (*types.ConsensusResult, error) {
	if !pkarr.ValidName(name) {
		return nil, resolve.ErrInvalidName
	}
	if result := r.reusableResult(name); result != nil {
		return result, nil
	}

	v, err, _ := r.flight.Do(name, func() (interface{}, error) {
		return r.resolveGlobal(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.ConsensusResult), nil
}

func (r *Registry) resolveGlobal(ctx context.Context, name string) (*types.ConsensusResult, error) {
	var (
		mu         sync.Mutex
		candidates []*types.Record
	)
	add := func(recs ...*types.Record) {
		mu.Lock()
		defer mu.Unlock()
		for _, rec := range recs {
			if rec != nil {
				candidates = append(candidates, rec)
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if rec, err := r.names.Resolve(gctx, name); err == nil {
			add(rec)
		}
		return nil
	})
	g.Go(func() error {
		if rec, err := r.router.Resolve(gctx, name); err == nil {
			add(rec)
		}
		return nil
	})
	g.Go(func() error {
		add(r.queryPeers(gctx, name)...)
		return nil
	})
	g.Wait()

	result := achieveConsensus(name, candidates, r.clock.Now())
	if result.WinningRecord == nil {
		return nil, ErrNotFound
	}

	r.storeResult(name, result)
	r.log.WithFields(logrus.Fields{
		"name":      name,
		"agreement": result.AgreementPct,
		"replicas":  result.WinningRecord.Replicas,
	}).Debug("consensus reached")
	return result, nil
}

// queryPeers broadcasts a domain:query and collects responses until quorum
// or the timeout, whichever comes first.
func (r *Registry) queryPeers(ctx context.Context, name string) []*types.Record {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	responses := make(chan *types.Record, 32)
	unsub := r.bus.Subscribe(bus.TopicResponse, func(env *bus.Envelope) {
		rec, err := types.DecodeRecord(env.Data)
		if err != nil || rec.Name != name {
			return
		}
		select {
		case responses <- rec:
		default:
		}
	})
	defer unsub()

	data, err := json.Marshal(queryPayload{Name: name})
	if err != nil {
		return nil
	}
	if err := r.bus.Publish(ctx, bus.TopicQuery, data); err != nil {
		r.log.WithError(err).Debugf("peer query for %s failed", name)
		return nil
	}

	var recs []*types.Record
	for {
		select {
		case rec := <-responses:
			recs = append(recs, rec)
			if len(recs) >= r.quorum {
				return recs
			}
		case <-ctx.Done():
			return recs
		}
	}
}

// LocalRecord returns this node's own record for name, if any.
func (r *Registry) LocalRecord(name string) *types.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[name]
}

// RecordCount reports how many names this node vouches for.
func (r *Registry) RecordCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *Registry) setLocal(rec *types.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Name] = rec
}

func (r *Registry) announce(ctx context.Context, topic string, rec *types.Record) error {
	data, err := types.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, topic, data)
}

// onRecord ingests announce and update envelopes. Verification is the gate;
// whoever announces last for a name owns this node's local copy.
func (r *Registry) onRecord(env *bus.Envelope) {
	rec, err := types.DecodeRecord(env.Data)
	if err != nil {
		r.log.Debug("dropping garbled record envelope")
		return
	}
	if !rec.VerifySignature() {
		r.log.Warnf("dropping unverifiable record for %s", rec.Name)
		return
	}
	if pkarr.IsSelfCertifying(rec.Name) && pkarr.NameFromPublicKey(rec.OwnerKey()) != rec.Name {
		r.log.Warnf("dropping record for %s not certified by its owner", rec.Name)
		return
	}
	if rec.Expired(time.Now()) {
		return
	}

	stored := rec.Clone()
	stored.Verified = true
	r.setLocal(stored)
	r.invalidateResult(rec.Name)
	r.names.Invalidate(rec.Name)
}

// onQuery answers a peer's domain:query from local state.
func (r *Registry) onQuery(env *bus.Envelope) {
	var q queryPayload
	if err := json.Unmarshal(env.Data, &q); err != nil || q.Name == "" {
		return
	}

	rec := r.LocalRecord(q.Name)
	if rec == nil {
		if cached, ok := r.names.Cached(q.Name); ok {
			rec = cached
		}
	}
	if rec == nil || rec.Expired(r.clock.Now()) {
		return
	}

	data, err := types.EncodeRecord(rec)
	if err != nil {
		return
	}
	if err := r.bus.Publish(context.Background(), bus.TopicResponse, data); err != nil {
		r.log.WithError(err).Debugf("response for %s failed", q.Name)
	}
}

func (r *Registry) reusableResult(name string) *types.ConsensusResult {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := r.results[name]
	if c == nil {
		return nil
	}
	if r.clock.Since(c.at) >= resultTTL || c.result.AgreementPct < reuseMinPct {
		return nil
	}
	return c.result
}

func (r *Registry) storeResult(name string, result *types.ConsensusResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[name] = &cachedResult{result: result, at: r.clock.Now()}
}

func (r *Registry) invalidateResult(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.results, name)
}
