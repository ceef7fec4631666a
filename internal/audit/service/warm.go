package service

import (
	"context"
	"time"

	"auditchain/internal/audit/models"
	dErrors "auditchain/pkg/domain-errors"
)

// maxWarmEvents caps how many recent events one warm pass caches.
const maxWarmEvents = 5000

// WarmCache loads the events of the last window into the cache, newest
// first, and returns how many were cached. It is best effort: a failure is
// logged, counted as degraded and returned, and whatever was cached before
// it stays.
func (s *Service) WarmCache(ctx context.Context, window time.Duration) (int, error) {
	if s.cache == nil || window <= 0 {
		return 0, nil
	}
	now := s.now()
	from := now.Add(-window)

	warmed := 0
	page := models.Page{Limit: models.MaxPageLimit}
	for warmed < maxWarmEvents {
		gen := s.generation()
		events, err := s.store.ListByPeriod(ctx, from, now, page)
		if err != nil {
			s.metrics.IncDegraded("cache")
			s.logger.WarnContext(ctx, "cache warm stopped", "warmed", warmed, "error", err)
			return warmed, dErrors.Wrap(err, dErrors.CodeDownstreamDegraded, "cache warm failed")
		}
		for _, e := range events {
			if err := s.cache.PutEvent(ctx, gen, e); err != nil {
				s.metrics.IncDegraded("cache")
				s.logger.WarnContext(ctx, "cache warm stopped", "warmed", warmed, "error", err)
				return warmed, dErrors.Wrap(err, dErrors.CodeDownstreamDegraded, "cache warm failed")
			}
			warmed++
		}
		if len(events) < page.Limit {
			break
		}
		page.Offset += page.Limit
	}

	s.logger.InfoContext(ctx, "cache warmed", "events", warmed, "window", window)
	return warmed, nil
}
