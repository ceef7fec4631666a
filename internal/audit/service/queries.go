package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/sentinel"
)

// GetByID serves a single event, cache first.
func (s *Service) GetByID(ctx context.Context, id string) (*models.Event, error) {
	if s.cache != nil {
		if e, ok := s.cache.GetEvent(ctx, id); ok {
			return e, nil
		}
	}
	gen := s.generation()
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err, "audit event "+id)
	}
	s.cacheEvent(ctx, gen, e)
	return e, nil
}

func (s *Service) ListByActor(ctx context.Context, actorID string, page models.Page) ([]*models.Event, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "actor_id is required")
	}
	events, err := s.store.ListByActor(ctx, actorID, page.Normalize())
	if err != nil {
		return nil, storeError(err, "events by actor")
	}
	return events, nil
}

func (s *Service) ListByType(ctx context.Context, eventType policy.EventType, page models.Page) ([]*models.Event, error) {
	if !eventType.Valid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "event_type %s is unknown", eventType)
	}
	events, err := s.store.ListByType(ctx, eventType, page.Normalize())
	if err != nil {
		return nil, storeError(err, "events by type")
	}
	return events, nil
}

func (s *Service) ListByPeriod(ctx context.Context, from, to time.Time, page models.Page) ([]*models.Event, error) {
	if err := checkPeriod(from, to); err != nil {
		return nil, err
	}
	events, err := s.store.ListByPeriod(ctx, from, to, page.Normalize())
	if err != nil {
		return nil, storeError(err, "events by period")
	}
	return events, nil
}

// Timeline returns every event of an entity in chain order. entityType
// "actor" selects by actor, anything else by target.
func (s *Service) Timeline(ctx context.Context, entityType, entityID string) ([]*models.Event, error) {
	if entityType == "" || entityID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "entity type and id are required")
	}
	load := func(ctx context.Context) ([]*models.Event, error) {
		return s.store.Timeline(ctx, entityType, entityID)
	}
	var (
		events []*models.Event
		err    error
	)
	if s.cache != nil {
		events, err = s.cache.Timeline(ctx, entityType, entityID, load)
	} else {
		events, err = load(ctx)
	}
	if err != nil {
		return nil, storeError(err, "timeline")
	}
	return events, nil
}

func (s *Service) Search(ctx context.Context, term string, page models.Page) ([]*models.Event, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "search term is required")
	}
	events, err := s.store.Search(ctx, term, page.Normalize())
	if err != nil {
		return nil, storeError(err, "search")
	}
	return events, nil
}

// PersonalDataForActor lists the actor's events that carry personal data,
// anonymized or not. This is the subject-access view.
func (s *Service) PersonalDataForActor(ctx context.Context, actorID string) ([]*models.Event, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "actor_id is required")
	}
	events, err := s.store.PersonalDataByActor(ctx, actorID)
	if err != nil {
		return nil, storeError(err, "personal data")
	}
	return events, nil
}

func (s *Service) CountByType(ctx context.Context, from, to time.Time) ([]models.TypeCount, error) {
	if err := checkPeriod(from, to); err != nil {
		return nil, err
	}
	counts, err := s.store.CountByType(ctx, from, to)
	if err != nil {
		return nil, storeError(err, "counts by type")
	}
	return counts, nil
}

// ResumeStats is the compliance summary since the given instant, cached for
// a few minutes.
func (s *Service) ResumeStats(ctx context.Context, since time.Time) (models.ResumeStats, error) {
	since = since.UTC().Truncate(time.Second)
	if s.cache != nil {
		if stats, ok := s.cache.GetStats(ctx, since); ok {
			return stats, nil
		}
	}
	stats, err := s.store.Stats(ctx, since)
	if err != nil {
		return models.ResumeStats{}, storeError(err, "stats")
	}
	if s.cache != nil {
		if err := s.cache.PutStats(ctx, since, stats); err != nil {
			s.metrics.IncDegraded("cache")
			s.logger.WarnContext(ctx, "failed to cache stats", "error", err)
		}
	}
	return stats, nil
}

func checkPeriod(from, to time.Time) error {
	if from.IsZero() || to.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "period bounds are required")
	}
	if to.Before(from) {
		return dErrors.New(dErrors.CodeValidation, "period end is before its start")
	}
	return nil
}

// storeError maps store failures onto the domain taxonomy.
func storeError(err error, what string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(err, dErrors.CodeNotFound, what+" not found")
	}
	if dErrors.CodeOf(err) != dErrors.CodeInternal {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodePersistence, "failed to read "+what)
}
