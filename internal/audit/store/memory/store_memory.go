package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/store"
	"auditchain/pkg/platform/sentinel"
)

// InMemoryStore keeps the chain in process. Every event handed out is a
// clone, so callers cannot mutate stored state behind the store's back.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[string]*models.Event
	bySeq  map[int64]string
	order  []string // ids in seq order
	tail   store.Tail
	anchor chain.Anchor
}

var _ store.Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{}
	s.Clear()
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]*models.Event)
	s.bySeq = make(map[int64]string)
	s.order = nil
	s.tail = store.Tail{}
	s.anchor = chain.Anchor{}
}

func (s *InMemoryStore) Append(_ context.Context, e *models.Event, expected store.Tail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tail.Hash != expected.Hash || s.tail.Seq != expected.Seq {
		return sentinel.ErrConflict
	}
	if _, exists := s.events[e.ID]; exists {
		return sentinel.ErrConflict
	}
	if e.Seq != expected.Seq+1 || e.PrevHash != expected.Hash {
		return sentinel.ErrConflict
	}

	s.events[e.ID] = e.Clone()
	s.bySeq[e.Seq] = e.ID
	s.order = append(s.order, e.ID)
	s.tail = store.Tail{Hash: e.SelfHash, Seq: e.Seq, OccurredAt: e.OccurredAt}
	return nil
}

func (s *InMemoryStore) Tail(_ context.Context) (store.Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tail, nil
}

func (s *InMemoryStore) Anchor(_ context.Context) (chain.Anchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchor, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *InMemoryStore) GetBySeq(_ context.Context, seq int64) (*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySeq[seq]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return s.events[id].Clone(), nil
}

// Tamper overwrites a stored event verbatim, bypassing every invariant. It
// exists so integrity tests can simulate direct edits to the storage medium.
func (s *InMemoryStore) Tamper(id string, mutate func(e *models.Event)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if ok {
		mutate(e)
	}
	return ok
}

// filter returns clones of matching events in seq order.
func (s *InMemoryStore) filter(match func(e *models.Event) bool) []*models.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, id := range s.order {
		e := s.events[id]
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// newestFirst orders by occurredAt descending, then applies the page.
func newestFirst(events []*models.Event, page models.Page) []*models.Event {
	page = page.Normalize()
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].Seq > events[j].Seq
		}
		return events[i].OccurredAt.After(events[j].OccurredAt)
	})
	if page.Offset >= len(events) {
		return nil
	}
	end := min(page.Offset+page.Limit, len(events))
	return events[page.Offset:end]
}

func (s *InMemoryStore) ListByActor(_ context.Context, actorID string, page models.Page) ([]*models.Event, error) {
	return newestFirst(s.filter(func(e *models.Event) bool { return e.Actor.ID == actorID }), page), nil
}

func (s *InMemoryStore) ListByType(_ context.Context, eventType policy.EventType, page models.Page) ([]*models.Event, error) {
	return newestFirst(s.filter(func(e *models.Event) bool { return e.Type == eventType }), page), nil
}

func (s *InMemoryStore) ListByPeriod(_ context.Context, from, to time.Time, page models.Page) ([]*models.Event, error) {
	return newestFirst(s.filter(func(e *models.Event) bool { return inRange(e.OccurredAt, &from, &to) }), page), nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status models.Status, limit int) ([]*models.Event, error) {
	out := s.filter(func(e *models.Event) bool { return e.Status == status })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Timeline(_ context.Context, entityType, entityID string) ([]*models.Event, error) {
	return s.filter(func(e *models.Event) bool { return store.InTimeline(e, entityType, entityID) }), nil
}

func (s *InMemoryStore) Search(_ context.Context, term string, page models.Page) ([]*models.Event, error) {
	return newestFirst(s.filter(func(e *models.Event) bool { return store.Matches(e, term) }), page), nil
}

func (s *InMemoryStore) PersonalDataByActor(_ context.Context, actorID string) ([]*models.Event, error) {
	return s.filter(func(e *models.Event) bool {
		return e.Actor.ID == actorID && e.ContainsPersonalData
	}), nil
}

func (s *InMemoryStore) ListChain(_ context.Context, from, to *time.Time) ([]*models.Event, error) {
	return s.filter(func(e *models.Event) bool { return inRange(e.OccurredAt, from, to) }), nil
}

func (s *InMemoryStore) ListArchivable(_ context.Context, before time.Time, limit int) ([]*models.Event, error) {
	out := s.filter(func(e *models.Event) bool { return store.Archivable(e, before) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func inRange(t time.Time, from, to *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil && t.After(*to) {
		return false
	}
	return true
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, e *models.Event, from models.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.events[e.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Status != from {
		return sentinel.ErrConflict
	}
	stored.Status = e.Status
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		stored.ProcessedAt = &at
	}
	return nil
}

func (s *InMemoryStore) SaveAnonymized(_ context.Context, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if _, ok := s.events[e.ID]; !ok {
			return sentinel.ErrNotFound
		}
	}
	for _, e := range events {
		stored := s.events[e.ID]
		stored.Actor.Name = e.Actor.Name
		stored.SourceIP = e.SourceIP
		stored.UserAgent = e.UserAgent
		stored.BeforeState = nil
		stored.AfterState = nil
		stored.Metadata = append([]byte(nil), e.Metadata...)
		stored.Anonymized = e.Anonymized
		if !stored.Status.Terminal() {
			stored.Status = e.Status
		}
	}
	return nil
}

func (s *InMemoryStore) MarkExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if limit > 0 && len(ids) >= limit {
			break
		}
		e := s.events[id]
		if e.IsExpired(now) && e.Expire() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *InMemoryStore) PurgeExpired(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for _, id := range s.order {
		e := s.events[id]
		if e.Status != models.StatusExpired || !e.RetentionUntil.Before(cutoff) {
			break
		}
		s.anchor = chain.AnchorOf(e)
		delete(s.events, id)
		delete(s.bySeq, e.Seq)
		purged++
	}
	s.order = s.order[purged:]
	return purged, nil
}

func (s *InMemoryStore) Stats(_ context.Context, since time.Time) (models.ResumeStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := models.ResumeStats{Since: since}
	actors := make(map[string]struct{})
	for _, e := range s.events {
		if e.OccurredAt.Before(since) {
			continue
		}
		stats.Total++
		switch e.Severity {
		case models.SeverityCritical:
			stats.Critical++
		case models.SeverityError:
			stats.Errors++
		}
		if e.ContainsPersonalData {
			stats.PersonalDataCount++
		}
		actors[e.Actor.ID] = struct{}{}
	}
	stats.DistinctActors = int64(len(actors))
	return stats, nil
}

func (s *InMemoryStore) CountByType(_ context.Context, from, to time.Time) ([]models.TypeCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[policy.EventType]int64)
	for _, e := range s.events {
		if inRange(e.OccurredAt, &from, &to) {
			counts[e.Type]++
		}
	}
	out := make([]models.TypeCount, 0, len(counts))
	for t, n := range counts {
		out = append(out, models.TypeCount{Type: t, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Type < out[j].Type
		}
		return out[i].Count > out[j].Count
	})
	return out, nil
}

func (s *InMemoryStore) CountUnprocessedCritical(_ context.Context, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.events {
		if e.OccurredAt.Before(since) {
			continue
		}
		if e.Severity.Level() < models.SeverityError.Level() {
			continue
		}
		if store.Unprocessed(e.Status) {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }
