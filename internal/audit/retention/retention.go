// Package retention enforces retention horizons and the right to erasure:
// expiry sweeps, actor anonymization and the destructive purge of expired
// chain prefixes.
package retention

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/store"
	"auditchain/internal/platform/metrics"
	dErrors "auditchain/pkg/domain-errors"
)

const (
	DefaultBatchSize = 500
	// DefaultPurgeMinAge is how long an event stays EXPIRED before it may be
	// physically removed.
	DefaultPurgeMinAge = 30 * 24 * time.Hour
)

// Store is the slice of the audit store the engine mutates.
type Store interface {
	PersonalDataByActor(ctx context.Context, actorID string) ([]*models.Event, error)
	SaveAnonymized(ctx context.Context, events []*models.Event) error
	MarkExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)
}

// Recorder appends the engine's own summary events to the chain.
type Recorder interface {
	Submit(ctx context.Context, d models.Draft) (*models.Event, error)
}

// Invalidator drops cached copies of data the engine changed.
type Invalidator interface {
	InvalidateForActor(ctx context.Context, actorID string) error
	InvalidateEvents(ctx context.Context, ids ...string) error
}

type Engine struct {
	store        Store
	recorder     Recorder
	cache        Invalidator
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	batchSize    int
	purgeFloor   time.Duration
	pseudonymKey []byte
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithCache(c Invalidator) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPurgeFloor sets the smallest age past expiry Purge accepts.
func WithPurgeFloor(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.purgeFloor = d
		}
	}
}

// WithPseudonymKey keys the hash that replaces actor ids in summary events.
func WithPseudonymKey(key string) Option {
	return func(e *Engine) {
		e.pseudonymKey = []byte(key)
	}
}

func New(st Store, recorder Recorder, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, errors.New("retention store is required")
	}
	if recorder == nil {
		return nil, errors.New("retention recorder is required")
	}
	e := &Engine{
		store:      st,
		recorder:   recorder,
		logger:     slog.Default(),
		now:        time.Now,
		batchSize:  DefaultBatchSize,
		purgeFloor: DefaultPurgeMinAge,
	}
	for _, opt := range opts {
		opt(e)
	}
	if len(e.pseudonymKey) > blake2b.Size {
		return nil, errors.New("pseudonym key longer than 64 bytes")
	}
	return e, nil
}

// SweepExpired flips every event past its retention horizon to EXPIRED, in
// batches. Cancellation stops between batches; batches already written stay
// flipped and are included in the returned count.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	now := e.now().UTC()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			e.finishSweep(ctx, total)
			return total, err
		}
		ids, err := e.store.MarkExpired(ctx, now, e.batchSize)
		if err != nil {
			e.finishSweep(ctx, total)
			return total, dErrors.Wrap(err, dErrors.CodePersistence, "failed to expire events")
		}
		total += len(ids)
		if e.cache != nil {
			if err := e.cache.InvalidateEvents(ctx, ids...); err != nil {
				e.metrics.IncDegraded("cache")
				e.logger.WarnContext(ctx, "failed to invalidate expired events", "count", len(ids), "error", err)
			}
		}
		if len(ids) < e.batchSize {
			break
		}
	}
	if err := e.finishSweep(ctx, total); err != nil {
		return total, err
	}
	return total, nil
}

func (e *Engine) finishSweep(ctx context.Context, total int) error {
	if total == 0 {
		return nil
	}
	e.metrics.AddExpired(total)
	e.logger.InfoContext(ctx, "retention sweep expired events", "count", total)
	_, err := e.recorder.Submit(context.WithoutCancel(ctx), models.Draft{
		EventType:  policy.EventConfigChanged,
		ActorID:    models.SystemActorID,
		Action:     "retention sweep",
		TargetType: "retention",
		TargetID:   "sweep",
		AfterState: map[string]any{"expired": total},
	})
	return err
}

// Anonymize scrubs every personal-data event of actorID and returns how many
// were newly scrubbed. The store write is atomic; the cache is cleared only
// once the store acknowledged it, and before Anonymize returns.
func (e *Engine) Anonymize(ctx context.Context, actorID string) (int, error) {
	if actorID == "" {
		return 0, dErrors.New(dErrors.CodeValidation, "actor_id is required")
	}
	if actorID == models.SystemActorID {
		return 0, dErrors.New(dErrors.CodeValidation, "system events cannot be anonymized")
	}

	events, err := e.store.PersonalDataByActor(ctx, actorID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodePersistence, "failed to load personal data")
	}
	changed := make([]*models.Event, 0, len(events))
	for _, ev := range events {
		if ev.Anonymize() {
			changed = append(changed, ev)
		}
	}
	if len(changed) == 0 {
		return 0, nil
	}
	if err := e.store.SaveAnonymized(ctx, changed); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodePersistence, "failed to persist anonymization")
	}
	n := len(changed)
	e.metrics.AddAnonymized(n)

	var invalidateErr error
	if e.cache != nil {
		if err := e.cache.InvalidateForActor(ctx, actorID); err != nil {
			e.metrics.IncDegraded("cache")
			invalidateErr = dErrors.Wrap(err, dErrors.CodeDownstreamDegraded, "anonymized data may still be cached")
		}
	}

	pseudonym := e.Pseudonym(actorID)
	e.logger.InfoContext(ctx, "actor anonymized", "actor", pseudonym, "count", n)
	_, err = e.recorder.Submit(context.WithoutCancel(ctx), models.Draft{
		EventType:  policy.EventDataAnonymized,
		ActorID:    models.SystemActorID,
		Action:     "anonymize actor personal data",
		TargetType: store.EntityActor,
		TargetID:   pseudonym,
		AfterState: map[string]any{"affected": n},
	})
	return n, errors.Join(invalidateErr, err)
}

// Pseudonym is the BLAKE2b-256 of actorID, keyed when a key is configured.
// The summary event references the actor through it so the chain never
// stores the erased id in clear.
func (e *Engine) Pseudonym(actorID string) string {
	h, err := blake2b.New256(e.pseudonymKey)
	if err != nil {
		// key length is checked in New
		panic(err)
	}
	h.Write([]byte(actorID))
	return hex.EncodeToString(h.Sum(nil))
}

// Purge physically removes the chain prefix of events that have been EXPIRED
// for at least minAge. Zero means the configured floor; anything shorter is
// refused.
func (e *Engine) Purge(ctx context.Context, minAge time.Duration) (int, error) {
	if minAge == 0 {
		minAge = e.purgeFloor
	}
	if minAge < e.purgeFloor {
		return 0, dErrors.Newf(dErrors.CodeValidation, "purge requires at least %s past expiry", e.purgeFloor)
	}
	cutoff := e.now().UTC().Add(-minAge)
	n, err := e.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodePersistence, "failed to purge expired events")
	}
	if n == 0 {
		return 0, nil
	}
	e.metrics.AddPurged(n)
	e.logger.WarnContext(ctx, "purged expired chain prefix", "count", n, "cutoff", cutoff)
	_, err = e.recorder.Submit(context.WithoutCancel(ctx), models.Draft{
		EventType:  policy.EventConfigChanged,
		ActorID:    models.SystemActorID,
		Action:     "purge expired events",
		TargetType: "retention",
		TargetID:   "purge",
		AfterState: map[string]any{"purged": n, "cutoff": cutoff.Format(time.RFC3339)},
	})
	return n, err
}
