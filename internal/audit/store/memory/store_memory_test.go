package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/store"
	"auditchain/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	now   time.Time
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

// appendEvent seals and appends an event for actorID at the current tail.
func (s *InMemoryStoreSuite) appendEvent(actorID string, eventType policy.EventType, occurredAt time.Time) *models.Event {
	tail, err := s.store.Tail(s.ctx)
	s.Require().NoError(err)

	pol := policy.MustLookup(eventType)
	e := &models.Event{
		ID:                   uuid.NewString(),
		Seq:                  tail.Seq + 1,
		Type:                 eventType,
		Actor:                models.Actor{ID: actorID, Name: "Name of " + actorID},
		SourceIP:             "10.0.0.1",
		UserAgent:            "curl/8.0",
		Target:               models.Target{Type: "document", ID: "doc-1", Name: "Quarterly report"},
		Action:               "read document",
		AfterState:           json.RawMessage(`{"email":"a@example.com"}`),
		Metadata:             json.RawMessage(`{"channel":"web"}`),
		Severity:             models.SeverityInfo,
		Status:               models.StatusCreated,
		Category:             pol.Category,
		ContainsPersonalData: pol.PersonalData,
		RetentionUntil:       pol.RetentionUntil(occurredAt),
		OccurredAt:           occurredAt,
	}
	chain.Seal(e, tail.Hash)
	s.Require().NoError(s.store.Append(s.ctx, e, tail))
	return e
}

func (s *InMemoryStoreSuite) TestAppend() {
	s.Run("advances the tail", func() {
		e := s.appendEvent("alice", policy.EventDataAccessed, s.now)

		tail, err := s.store.Tail(s.ctx)
		s.Require().NoError(err)
		s.Equal(store.Tail{Hash: e.SelfHash, Seq: 1, OccurredAt: e.OccurredAt}, tail)
	})

	s.Run("rejects a stale expected tail", func() {
		s.store.Clear()
		first := s.appendEvent("alice", policy.EventDataAccessed, s.now)

		stale := &models.Event{ID: uuid.NewString(), Seq: 1, Type: policy.EventDataAccessed, Actor: models.Actor{ID: "bob"}, Action: "x", OccurredAt: s.now}
		chain.Seal(stale, "")
		err := s.store.Append(s.ctx, stale, store.Tail{})
		s.ErrorIs(err, sentinel.ErrConflict)

		tail, _ := s.store.Tail(s.ctx)
		s.Equal(first.SelfHash, tail.Hash, "tail must not move on conflict")
	})

	s.Run("returned events are copies", func() {
		s.store.Clear()
		e := s.appendEvent("alice", policy.EventDataAccessed, s.now)

		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		got.Action = "mutated"

		again, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal("read document", again.Action)
	})

	s.Run("unknown id", func() {
		_, err := s.store.Get(s.ctx, "missing")
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, err = s.store.GetBySeq(s.ctx, 99)
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestQueries() {
	a1 := s.appendEvent("alice", policy.EventDataAccessed, s.now.Add(-2*time.Hour))
	b1 := s.appendEvent("bob", policy.EventLoginSuccess, s.now.Add(-time.Hour))
	a2 := s.appendEvent("alice", policy.EventLoginSuccess, s.now)

	s.Run("by actor newest first", func() {
		got, err := s.store.ListByActor(s.ctx, "alice", models.Page{})
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.Equal(a2.ID, got[0].ID)
		s.Equal(a1.ID, got[1].ID)
	})

	s.Run("by type", func() {
		got, err := s.store.ListByType(s.ctx, policy.EventLoginSuccess, models.Page{})
		s.Require().NoError(err)
		s.Len(got, 2)
	})

	s.Run("by period with paging", func() {
		got, err := s.store.ListByPeriod(s.ctx, s.now.Add(-90*time.Minute), s.now, models.Page{Limit: 1})
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(a2.ID, got[0].ID)

		got, err = s.store.ListByPeriod(s.ctx, s.now.Add(-90*time.Minute), s.now, models.Page{Limit: 1, Offset: 1})
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(b1.ID, got[0].ID)
	})

	s.Run("timeline in chain order", func() {
		got, err := s.store.Timeline(s.ctx, store.EntityActor, "alice")
		s.Require().NoError(err)
		s.Require().Len(got, 2)
		s.Equal(a1.ID, got[0].ID)

		got, err = s.store.Timeline(s.ctx, "document", "doc-1")
		s.Require().NoError(err)
		s.Len(got, 3)
	})

	s.Run("search is case-insensitive", func() {
		got, err := s.store.Search(s.ctx, "QUARTERLY", models.Page{})
		s.Require().NoError(err)
		s.Len(got, 3)
	})

	s.Run("personal data by actor", func() {
		got, err := s.store.PersonalDataByActor(s.ctx, "alice")
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(a1.ID, got[0].ID)
	})

	s.Run("chain verifies", func() {
		events, err := s.store.ListChain(s.ctx, nil, nil)
		s.Require().NoError(err)
		s.True(chain.Verify(events, chain.Anchor{}).Valid)
	})

	s.Run("stats", func() {
		stats, err := s.store.Stats(s.ctx, s.now.Add(-3*time.Hour))
		s.Require().NoError(err)
		s.Equal(int64(3), stats.Total)
		s.Equal(int64(2), stats.DistinctActors)
		s.Equal(int64(1), stats.PersonalDataCount)
	})

	s.Run("count by type sorted by count", func() {
		counts, err := s.store.CountByType(s.ctx, s.now.Add(-3*time.Hour), s.now)
		s.Require().NoError(err)
		s.Require().Len(counts, 2)
		s.Equal(policy.EventLoginSuccess, counts[0].Type)
		s.Equal(int64(2), counts[0].Count)
	})
}

func (s *InMemoryStoreSuite) TestStatusAndAnonymization() {
	e := s.appendEvent("alice", policy.EventDataAccessed, s.now)

	s.Run("update status", func() {
		from := e.Status
		s.Require().NoError(e.Transition(models.StatusProcessed, s.now))
		s.Require().NoError(s.store.UpdateStatus(s.ctx, e, from))
		s.ErrorIs(s.store.UpdateStatus(s.ctx, e, from), sentinel.ErrConflict)

		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessed, got.Status)
		s.Require().NotNil(got.ProcessedAt)
	})

	s.Run("save anonymized keeps the chain valid", func() {
		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.True(got.Anonymize())
		s.Require().NoError(s.store.SaveAnonymized(s.ctx, []*models.Event{got}))

		stored, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.AnonymizedName, stored.Actor.Name)
		s.Nil(stored.AfterState)
		s.Equal(e.SelfHash, stored.SelfHash)

		events, _ := s.store.ListChain(s.ctx, nil, nil)
		s.True(chain.Verify(events, chain.Anchor{}).Valid)
	})

	s.Run("save anonymized is all or nothing", func() {
		err := s.store.SaveAnonymized(s.ctx, []*models.Event{{ID: "missing"}})
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestSaveAnonymizedKeepsTerminalStatus() {
	e := s.appendEvent("alice", policy.EventDataAccessed, s.now)

	read, err := s.store.PersonalDataByActor(s.ctx, "alice")
	s.Require().NoError(err)
	s.Require().Len(read, 1)
	s.True(read[0].Anonymize())
	s.Equal(models.StatusAnonymized, read[0].Status)

	// the sweep expires the event between the read and the write
	ids, err := s.store.MarkExpired(s.ctx, e.RetentionUntil.Add(time.Hour), 0)
	s.Require().NoError(err)
	s.Equal([]string{e.ID}, ids)

	s.Require().NoError(s.store.SaveAnonymized(s.ctx, read))

	stored, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, stored.Status)
	s.True(stored.Anonymized)
	s.Equal(models.AnonymizedName, stored.Actor.Name)
}

func (s *InMemoryStoreSuite) TestExpiryAndPurge() {
	old := s.now.AddDate(-3, 0, 0)
	var events []*models.Event
	for i := range 3 {
		events = append(events, s.appendEvent(fmt.Sprintf("actor-%d", i), policy.EventLoginSuccess, old))
	}
	fresh := s.appendEvent("alice", policy.EventLoginSuccess, s.now)

	s.Run("mark expired respects limit and is idempotent", func() {
		ids, err := s.store.MarkExpired(s.ctx, s.now, 2)
		s.Require().NoError(err)
		s.Len(ids, 2)

		ids, err = s.store.MarkExpired(s.ctx, s.now, 10)
		s.Require().NoError(err)
		s.Equal([]string{events[2].ID}, ids)

		ids, err = s.store.MarkExpired(s.ctx, s.now, 10)
		s.Require().NoError(err)
		s.Empty(ids)

		got, _ := s.store.Get(s.ctx, fresh.ID)
		s.Equal(models.StatusCreated, got.Status)
	})

	s.Run("purge removes the expired prefix and moves the anchor", func() {
		n, err := s.store.PurgeExpired(s.ctx, s.now)
		s.Require().NoError(err)
		s.Equal(3, n)

		anchor, err := s.store.Anchor(s.ctx)
		s.Require().NoError(err)
		s.Equal(chain.AnchorOf(events[2]), anchor)

		remaining, err := s.store.ListChain(s.ctx, nil, nil)
		s.Require().NoError(err)
		s.Require().Len(remaining, 1)
		s.True(chain.Verify(remaining, anchor).Valid)
	})
}

func (s *InMemoryStoreSuite) TestPurgeStopsAtFirstRetainedEvent() {
	old := s.now.AddDate(-3, 0, 0)
	s.appendEvent("a", policy.EventLoginSuccess, old)
	s.appendEvent("b", policy.EventDataAccessed, old) // seven year retention
	s.appendEvent("c", policy.EventLoginSuccess, old)

	_, err := s.store.MarkExpired(s.ctx, s.now, 0)
	s.Require().NoError(err)

	n, err := s.store.PurgeExpired(s.ctx, s.now)
	s.Require().NoError(err)
	s.Equal(1, n)

	remaining, _ := s.store.ListChain(s.ctx, nil, nil)
	s.Len(remaining, 2)
}

func (s *InMemoryStoreSuite) TestTamperIsDetected() {
	e := s.appendEvent("alice", policy.EventDataAccessed, s.now)
	s.appendEvent("bob", policy.EventLoginSuccess, s.now)

	s.True(s.store.Tamper(e.ID, func(ev *models.Event) { ev.Action = "delete document" }))

	events, _ := s.store.ListChain(s.ctx, nil, nil)
	res := chain.Verify(events, chain.Anchor{})
	s.False(res.Valid)
	s.Require().NotNil(res.BrokenAtIndex)
	s.Equal(0, *res.BrokenAtIndex)
}

func (s *InMemoryStoreSuite) TestCountUnprocessedCritical() {
	e := s.appendEvent("alice", policy.EventIntrusionAttempt, s.now)
	s.True(s.store.Tamper(e.ID, func(ev *models.Event) { ev.Severity = models.SeverityCritical }))
	s.appendEvent("bob", policy.EventLoginSuccess, s.now)

	n, err := s.store.CountUnprocessedCritical(s.ctx, s.now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}
