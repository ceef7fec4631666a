// Package cache is a cache-aside accelerator for audit reads. It is never a
// source of truth: every failure degrades to a miss and chain verification
// never consults it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/store"
	"auditchain/internal/platform/metrics"
	"auditchain/pkg/platform/sentinel"
)

const (
	DefaultTimeout = 2 * time.Second
	// DefaultLoadTimeout bounds a shared timeline load.
	DefaultLoadTimeout = 10 * time.Second

	RecentEventTTL = 15 * time.Minute
	EventTTL       = 2 * time.Hour
	TimelineTTL    = 10 * time.Minute
	StatsTTL       = 5 * time.Minute
	// IndexTTL outlives every entry it indexes.
	IndexTTL = 3 * time.Hour

	recentWindow = time.Hour
)

const (
	kindEvent    = "event"
	kindTimeline = "timeline"
	kindStats    = "stats"
)

// Accelerator fronts the store for hot reads.
type Accelerator struct {
	backend     Backend
	timeout     time.Duration
	loadTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	group singleflight.Group

	// fillMu orders fills against invalidations: a fill holds it shared and
	// only writes if no invalidation ran since its Generation was taken.
	// Commits only bump timelines, so they never void event fills.
	fillMu     sync.RWMutex
	generation atomic.Uint64
	timelines  atomic.Uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type Option func(*Accelerator)

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) Option {
	return func(a *Accelerator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLoadTimeout bounds the store load behind a timeline miss.
func WithLoadTimeout(d time.Duration) Option {
	return func(a *Accelerator) {
		if d > 0 {
			a.loadTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Accelerator) {
		a.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Accelerator) {
		a.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Accelerator) {
		a.now = now
	}
}

func New(backend Backend, opts ...Option) *Accelerator {
	a := &Accelerator{
		backend:     backend,
		timeout:     DefaultTimeout,
		loadTimeout: DefaultLoadTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Stats is a point-in-time view of the accelerator's effectiveness.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

func (a *Accelerator) Stats() Stats {
	s := Stats{
		Hits:      a.hits.Load(),
		Misses:    a.misses.Load(),
		Evictions: a.evictions.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

// Generation identifies the invalidation epoch. Take it before reading the
// store and pass it to the matching Put so stale reads are never cached.
type Generation struct {
	all       uint64
	timelines uint64
}

func (a *Accelerator) Generation() Generation {
	return Generation{all: a.generation.Load(), timelines: a.timelines.Load()}
}

// fill runs write unless an invalidation happened after gen. Timeline fills
// also give way to commits.
func (a *Accelerator) fill(gen Generation, timeline bool, write func() error) error {
	a.fillMu.RLock()
	defer a.fillMu.RUnlock()
	if a.generation.Load() != gen.all {
		return nil
	}
	if timeline && a.timelines.Load() != gen.timelines {
		return nil
	}
	return write()
}

// GetEvent returns the cached event. Any backend failure is a miss.
func (a *Accelerator) GetEvent(ctx context.Context, id string) (*models.Event, bool) {
	var e models.Event
	if !a.get(ctx, kindEvent, eventKey(id), &e) {
		return nil, false
	}
	return &e, true
}

// PutEvent caches e. Events from the last hour expire sooner because their
// status is still likely to change.
func (a *Accelerator) PutEvent(ctx context.Context, gen Generation, e *models.Event) error {
	ttl := EventTTL
	if a.now().Sub(e.OccurredAt) < recentWindow {
		ttl = RecentEventTTL
	}
	key := eventKey(e.ID)
	return a.fill(gen, false, func() error {
		if err := a.index(ctx, key, e.Actor.ID); err != nil {
			return err
		}
		return a.set(ctx, key, e, ttl)
	})
}

// Timeline serves an entity's timeline cache-aside. Concurrent misses for
// the same entity share a single load. The shared load runs detached from
// the caller that started it and is bounded by loadTimeout, so one caller
// going away does not fail the others.
func (a *Accelerator) Timeline(ctx context.Context, entityType, entityID string, load func(ctx context.Context) ([]*models.Event, error)) ([]*models.Event, error) {
	key := timelineKey(entityType, entityID)
	var cached []*models.Event
	if a.get(ctx, kindTimeline, key, &cached) {
		return cached, nil
	}

	ch := a.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.loadTimeout)
		defer cancel()

		gen := a.Generation()
		events, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		if err := a.PutTimeline(loadCtx, gen, entityType, entityID, events); err != nil {
			a.degraded(loadCtx, "cache timeline write failed", key, err)
		}
		return events, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*models.Event), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PutTimeline replaces the whole cached list for the entity.
func (a *Accelerator) PutTimeline(ctx context.Context, gen Generation, entityType, entityID string, events []*models.Event) error {
	key := timelineKey(entityType, entityID)
	actors := make([]string, 0, len(events)+1)
	if entityType == store.EntityActor {
		actors = append(actors, entityID)
	}
	for _, e := range events {
		actors = append(actors, e.Actor.ID)
	}
	return a.fill(gen, true, func() error {
		if err := a.index(ctx, key, actors...); err != nil {
			return err
		}
		return a.set(ctx, key, events, TimelineTTL)
	})
}

// InvalidateTimelines drops the timelines a newly committed event belongs to
// and voids timeline fills that read the store before the commit.
func (a *Accelerator) InvalidateTimelines(ctx context.Context, e *models.Event) error {
	a.fillMu.Lock()
	defer a.fillMu.Unlock()
	a.timelines.Add(1)

	keys := []string{timelineKey(store.EntityActor, e.Actor.ID)}
	if !e.Target.IsZero() {
		keys = append(keys, timelineKey(e.Target.Type, e.Target.ID))
	}
	return a.delete(ctx, keys...)
}

func (a *Accelerator) GetStats(ctx context.Context, since time.Time) (models.ResumeStats, bool) {
	var s models.ResumeStats
	if !a.get(ctx, kindStats, statsKey(since), &s) {
		return models.ResumeStats{}, false
	}
	return s, true
}

func (a *Accelerator) PutStats(ctx context.Context, since time.Time, stats models.ResumeStats) error {
	return a.set(ctx, statsKey(since), stats, StatsTTL)
}

// InvalidateForActor removes every entry holding data about the actor. It
// is synchronous: when it returns nil no reader can be served those entries.
func (a *Accelerator) InvalidateForActor(ctx context.Context, actorID string) error {
	a.fillMu.Lock()
	defer a.fillMu.Unlock()
	a.generation.Add(1)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	indexKey := actorIndexKey(actorID)
	keys, err := a.backend.Members(ctx, indexKey)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return fmt.Errorf("read actor index: %w", err)
	}
	keys = append(keys, indexKey, timelineKey(store.EntityActor, actorID))

	n, err := a.backend.Delete(ctx, keys...)
	if err != nil {
		return fmt.Errorf("invalidate actor %s: %w", actorID, err)
	}
	a.evicted(n)
	return nil
}

// InvalidateEvents drops the single-event entries of ids after a bulk status
// change.
func (a *Accelerator) InvalidateEvents(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	a.fillMu.Lock()
	defer a.fillMu.Unlock()
	a.generation.Add(1)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKey(id)
	}
	return a.delete(ctx, keys...)
}

// Clear drops every audit entry.
func (a *Accelerator) Clear(ctx context.Context) (int, error) {
	a.fillMu.Lock()
	defer a.fillMu.Unlock()
	a.generation.Add(1)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	n, err := a.backend.DeleteByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}
	a.evicted(n)
	return n, nil
}

func (a *Accelerator) get(ctx context.Context, kind, key string, dst any) bool {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	raw, err := a.backend.Get(ctx, key)
	if err == nil {
		err = json.Unmarshal(raw, dst)
	}
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			a.degraded(ctx, "cache read failed", key, err)
		}
		a.misses.Add(1)
		a.metrics.IncCacheMiss(kind)
		return false
	}
	a.hits.Add(1)
	a.metrics.IncCacheHit(kind)
	return true
}

func (a *Accelerator) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.backend.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (a *Accelerator) delete(ctx context.Context, keys ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	n, err := a.backend.Delete(ctx, keys...)
	if err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	a.evicted(n)
	return nil
}

// index records key under each actor so InvalidateForActor can find it.
func (a *Accelerator) index(ctx context.Context, key string, actorIDs ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	seen := make(map[string]struct{}, len(actorIDs))
	for _, actorID := range actorIDs {
		if _, ok := seen[actorID]; ok {
			continue
		}
		seen[actorID] = struct{}{}
		if err := a.backend.AddToSet(ctx, actorIndexKey(actorID), IndexTTL, key); err != nil {
			return fmt.Errorf("index %s: %w", key, err)
		}
	}
	return nil
}

func (a *Accelerator) evicted(n int) {
	a.evictions.Add(int64(n))
	a.metrics.AddCacheEvictions(n)
}

func (a *Accelerator) degraded(ctx context.Context, msg, key string, err error) {
	a.metrics.IncDegraded("cache")
	a.logger.WarnContext(ctx, msg, "key", key, "error", err)
}
