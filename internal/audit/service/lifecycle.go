package service

import (
	"context"
	"errors"
	"time"

	"auditchain/internal/audit/cache"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/sentinel"
)

// statusRetries bounds re-reads when a concurrent writer changed the status
// between our read and our conditional update.
const statusRetries = 3

// errSkip tells updateStatus to leave the event as it is.
var errSkip = errors.New("skip status update")

// Transition moves an event along the lifecycle table on request of an
// operator. Invalid moves fail with an invalid_transition error.
func (s *Service) Transition(ctx context.Context, id string, to models.Status) (*models.Event, error) {
	return s.updateStatus(ctx, id, func(*models.Event) (models.Status, error) {
		return to, nil
	})
}

// MarkDelivered advances a delivered event to PROCESSED. Events that reached
// a terminal state while in flight (anonymized, expired) are left alone.
func (s *Service) MarkDelivered(ctx context.Context, e *models.Event) error {
	_, err := s.updateStatus(ctx, e.ID, func(cur *models.Event) (models.Status, error) {
		if cur.Status.Terminal() || cur.Status == models.StatusProcessed {
			return "", errSkip
		}
		return models.StatusProcessed, nil
	})
	return err
}

// MarkUndeliverable records a delivery that exhausted its retries: FAILED on
// the first pass, REJECTED when a reprocessing attempt fails again.
func (s *Service) MarkUndeliverable(ctx context.Context, e *models.Event, cause error) error {
	_, err := s.updateStatus(ctx, e.ID, func(cur *models.Event) (models.Status, error) {
		switch cur.Status {
		case models.StatusReprocessing:
			return models.StatusRejected, nil
		case models.StatusValidated:
			return models.StatusFailed, nil
		}
		return "", errSkip
	})
	if err == nil {
		s.logger.WarnContext(ctx, "audit event undeliverable", "event_id", e.ID, "cause", cause)
	}
	return err
}

// ReprocessFailed moves every FAILED event to REPROCESSING and hands it to
// the dispatcher again. It returns how many events were requeued.
func (s *Service) ReprocessFailed(ctx context.Context) (int, error) {
	if s.dispatcher == nil {
		return 0, dErrors.New(dErrors.CodeInternal, "no dispatcher configured")
	}
	failed, err := s.store.ListByStatus(ctx, models.StatusFailed, 0)
	if err != nil {
		return 0, storeError(err, "failed events")
	}

	requeued := 0
	for _, f := range failed {
		if err := ctx.Err(); err != nil {
			return requeued, err
		}
		e, err := s.updateStatus(ctx, f.ID, func(cur *models.Event) (models.Status, error) {
			if cur.Status != models.StatusFailed {
				return "", errSkip
			}
			return models.StatusReprocessing, nil
		})
		if err != nil {
			return requeued, err
		}
		if e.Status != models.StatusReprocessing {
			continue
		}
		s.dispatcher.Enqueue(ctx, e)
		requeued++
	}
	if requeued > 0 {
		s.logger.InfoContext(ctx, "requeued failed audit events", "count", requeued)
	}
	return requeued, nil
}

// updateStatus reads the event, lets decide pick the target status and
// writes it conditionally on the status it read. decide returning errSkip
// leaves the event untouched.
func (s *Service) updateStatus(ctx context.Context, id string, decide func(cur *models.Event) (models.Status, error)) (*models.Event, error) {
	for attempt := 0; attempt < statusRetries; attempt++ {
		gen := s.generation()
		cur, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, storeError(err, "audit event "+id)
		}
		to, err := decide(cur)
		if errors.Is(err, errSkip) {
			return cur, nil
		}
		if err != nil {
			return nil, err
		}

		from := cur.Status
		if err := cur.Transition(to, s.now().UTC()); err != nil {
			return nil, err
		}
		err = s.store.UpdateStatus(ctx, cur, from)
		if errors.Is(err, sentinel.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodePersistence, "failed to update event status")
		}
		s.cacheEvent(ctx, gen, cur)
		return cur, nil
	}
	return nil, dErrors.Newf(dErrors.CodePersistence, "status of event %s kept changing", id)
}

// Health is a point-in-time operational summary.
type Health struct {
	Store               string       `json:"store"`
	EventsToday         int64        `json:"events_today"`
	UnprocessedCritical int64        `json:"unprocessed_critical"`
	Cache               *cache.Stats `json:"cache,omitempty"`
}

// Health pings the store and summarises today's activity. A store that
// cannot be reached is returned as an error alongside the partial report.
func (s *Service) Health(ctx context.Context) (Health, error) {
	h := Health{Store: "up"}
	if s.cache != nil {
		stats := s.cache.Stats()
		h.Cache = &stats
	}
	if err := s.store.Ping(ctx); err != nil {
		h.Store = "down"
		return h, dErrors.Wrap(err, dErrors.CodePersistence, "store unreachable")
	}

	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	stats, err := s.store.Stats(ctx, today)
	if err != nil {
		return h, storeError(err, "stats")
	}
	h.EventsToday = stats.Total

	h.UnprocessedCritical, err = s.store.CountUnprocessedCritical(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return h, storeError(err, "unprocessed critical events")
	}
	return h, nil
}

// ClearCache drops every cached entry and records the action in the chain.
func (s *Service) ClearCache(ctx context.Context, requestedBy string) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	n, err := s.cache.Clear(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeDownstreamDegraded, "failed to clear cache")
	}
	if requestedBy == "" {
		requestedBy = models.SystemActorID
	}
	_, err = s.Submit(ctx, models.Draft{
		EventType:  policy.EventCacheCleared,
		ActorID:    requestedBy,
		Action:     "clear audit cache",
		TargetType: "cache",
		TargetID:   "audit",
		AfterState: map[string]any{"evicted": n},
	})
	return n, err
}
