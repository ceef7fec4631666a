package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/mock/gomock"

	"auditchain/internal/audit/cache"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/service/mocks"
	"auditchain/internal/audit/store"
	"auditchain/internal/audit/store/memory"
	"auditchain/internal/audit/stream"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/sentinel"
	"auditchain/pkg/requestcontext"
)

// flakyStore injects append failures in front of the in-memory store.
type flakyStore struct {
	*memory.InMemoryStore
	conflicts int
	err       error
}

func (f *flakyStore) Append(ctx context.Context, e *models.Event, expected store.Tail) error {
	if f.conflicts > 0 {
		f.conflicts--
		return sentinel.ErrConflict
	}
	if f.err != nil {
		return f.err
	}
	return f.InMemoryStore.Append(ctx, e, expected)
}

// =============================================================================
// Ingestion Service Test Suite
// =============================================================================
// Submits run against the in-memory store so the chain, the cache and the
// lifecycle callbacks are exercised together. Failure paths inject errors
// through flakyStore and a mocked dispatcher.

type ServiceSuite struct {
	suite.Suite
	ctx        context.Context
	clock      time.Time
	logger     *slog.Logger
	store      *memory.InMemoryStore
	cache      *cache.Accelerator
	ctrl       *gomock.Controller
	dispatcher *mocks.MockDispatcher
	service    *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Now().UTC().Truncate(time.Second)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = memory.NewInMemoryStore()
	s.cache = cache.New(cache.NewMemoryBackend(), cache.WithLogger(s.logger))
	s.ctrl = gomock.NewController(s.T())
	s.dispatcher = mocks.NewMockDispatcher(s.ctrl)
	s.service = s.newService(s.store)
}

func (s *ServiceSuite) newService(st store.Store, opts ...Option) *Service {
	base := []Option{
		WithLogger(s.logger),
		WithCache(s.cache),
		WithClock(func() time.Time { return s.clock }),
		WithOrigin(Origin{System: "billing", Version: "1.4.0"}),
	}
	svc, err := New(st, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

func (s *ServiceSuite) draft(actorID string, eventType policy.EventType) models.Draft {
	return models.Draft{
		EventType:  eventType,
		ActorID:    actorID,
		ActorName:  "Jane Doe",
		SourceIP:   "203.0.113.7",
		TargetType: "document",
		TargetID:   "doc-1",
		Action:     "read document",
		AfterState: map[string]any{"title": "Q3 report", "pages": 12},
	}
}

func (s *ServiceSuite) submit(actorID string, eventType policy.EventType) *models.Event {
	e, err := s.service.Submit(s.ctx, s.draft(actorID, eventType))
	s.Require().NoError(err)
	return e
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil)
		s.Error(err)
		s.Contains(err.Error(), "audit store is required")
	})

	s.Run("options are applied", func() {
		svc, err := New(s.store, WithLogger(s.logger), WithMaxAppendRetries(9), WithDispatcher(s.dispatcher))
		s.Require().NoError(err)
		s.Equal(s.logger, svc.logger)
		s.Equal(9, svc.maxAppendRetries)
		s.Equal(s.dispatcher, svc.dispatcher)
	})

	s.Run("non-positive retries keep the default", func() {
		svc, err := New(s.store, WithMaxAppendRetries(0))
		s.Require().NoError(err)
		s.Equal(DefaultMaxAppendRetries, svc.maxAppendRetries)
	})
}

// =============================================================================
// Submit
// =============================================================================

func (s *ServiceSuite) TestSubmit() {
	s.Run("first event links to genesis", func() {
		e := s.submit("u1", policy.EventLoginSuccess)

		s.Equal(int64(1), e.Seq)
		s.Empty(e.PrevHash)
		s.Len(e.SelfHash, 64)
		s.Equal(models.StatusValidated, e.Status)
		s.Equal(policy.CategoryAuthentication, e.Category)
		s.False(e.ContainsPersonalData)
		s.Equal(s.clock.AddDate(0, 0, 1095), e.RetentionUntil)
		s.Equal(models.SeverityInfo, e.Severity)
		s.Equal("billing", e.OriginSystem)
		s.Equal("1.4.0", e.OriginVersion)
		s.JSONEq(`{"pages":12,"title":"Q3 report"}`, string(e.AfterState))
		s.NotEmpty(e.AfterDigest)
	})

	s.Run("second event links to the first", func() {
		tail, err := s.store.Tail(s.ctx)
		s.Require().NoError(err)

		e := s.submit("u1", policy.EventDataAccessed)
		s.Equal(tail.Seq+1, e.Seq)
		s.Equal(tail.Hash, e.PrevHash)
		s.True(e.ContainsPersonalData)
		s.Equal(policy.CategoryPersonalData, e.Category)
	})

	s.Run("returned event is a copy", func() {
		e := s.submit("u2", policy.EventLogout)
		e.Action = "changed"

		stored, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal("read document", stored.Action)
	})
}

func (s *ServiceSuite) TestSubmitValidation() {
	cases := []struct {
		name  string
		draft models.Draft
	}{
		{"missing actor", models.Draft{EventType: policy.EventLogout, Action: "logout"}},
		{"missing action", models.Draft{EventType: policy.EventLogout, ActorID: "u1"}},
		{"unknown type", models.Draft{EventType: "bogus.type", ActorID: "u1", Action: "x"}},
		{"unknown severity", models.Draft{EventType: policy.EventLogout, ActorID: "u1", Action: "x", Severity: "LOUD"}},
		{"unencodable state", models.Draft{
			EventType:  policy.EventLogout,
			ActorID:    "u1",
			Action:     "x",
			AfterState: map[string]any{"fn": func() {}},
		}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.service.Submit(s.ctx, tc.draft)
			s.Require().Error(err)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), err.Error())
		})
	}

	tail, err := s.store.Tail(s.ctx)
	s.Require().NoError(err)
	s.Zero(tail.Seq, "rejected drafts must not reach the store")
}

func (s *ServiceSuite) TestSubmitEnrichment() {
	s.Run("user agent is parsed into metadata", func() {
		d := s.draft("u1", policy.EventLoginSuccess)
		d.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
		d.Metadata = map[string]any{"tenant": "acme"}

		e, err := s.service.Submit(s.ctx, d)
		s.Require().NoError(err)

		var meta map[string]any
		s.Require().NoError(json.Unmarshal(e.Metadata, &meta))
		s.Equal("acme", meta["tenant"])
		s.Contains(meta[MetaBrowser], "Chrome")
		s.Contains(meta[MetaOS], "Windows")
		s.Equal(false, meta[MetaMobile])
		s.Equal(false, meta[MetaBot])
	})

	s.Run("no metadata stays empty", func() {
		d := s.draft("u1", policy.EventLogout)
		e, err := s.service.Submit(s.ctx, d)
		s.Require().NoError(err)
		s.Nil(e.Metadata)
	})

	s.Run("caller fields come from the request context", func() {
		ctx := requestcontext.WithClientMetadata(s.ctx, "198.51.100.4", "curl/8.4.0")
		ctx = requestcontext.WithSessionID(ctx, "sess-9")
		ctx = requestcontext.WithRequestID(ctx, "req-42")

		e, err := s.service.Submit(ctx, s.draft("u1", policy.EventLogout))
		s.Require().NoError(err)
		s.Equal("203.0.113.7", e.SourceIP, "the draft wins over the context")
		s.Equal("curl/8.4.0", e.UserAgent)
		s.Equal("sess-9", e.SessionID)

		var meta map[string]any
		s.Require().NoError(json.Unmarshal(e.Metadata, &meta))
		s.Equal("req-42", meta[MetaRequestID])
	})

	s.Run("trace ids come from the span context when absent", func() {
		traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
		ctx := trace.ContextWithSpanContext(s.ctx, trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}))

		e, err := s.service.Submit(ctx, s.draft("u1", policy.EventLogout))
		s.Require().NoError(err)
		s.Equal(traceID.String(), e.TraceID)
		s.NotEmpty(e.SpanID)
	})

	s.Run("explicit trace ids win", func() {
		d := s.draft("u1", policy.EventLogout)
		d.TraceID = "caller-trace"
		d.SpanID = "caller-span"

		e, err := s.service.Submit(s.ctx, d)
		s.Require().NoError(err)
		s.Equal("caller-trace", e.TraceID)
		s.Equal("caller-span", e.SpanID)
	})
}

func (s *ServiceSuite) TestSubmitConcurrent() {
	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Submit(s.ctx, s.draft("u1", policy.EventDataAccessed))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	tail, err := s.store.Tail(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(n), tail.Seq)

	res, err := s.service.VerifyChain(s.ctx, nil, nil)
	s.Require().NoError(err)
	s.True(res.Valid, res.Reason)
	s.Equal(n, res.Checked)
}

func (s *ServiceSuite) TestSubmitClockStepsBack() {
	t0 := s.clock
	var events []*models.Event
	for _, offset := range []time.Duration{0, 20 * time.Second, 10 * time.Second, 30 * time.Second} {
		s.clock = t0.Add(offset)
		events = append(events, s.submit("u1", policy.EventDataAccessed))
	}

	s.Run("occurredAt never decreases along the chain", func() {
		for i := 1; i < len(events); i++ {
			s.False(events[i].OccurredAt.Before(events[i-1].OccurredAt),
				"seq %d stamped before seq %d", events[i].Seq, events[i-1].Seq)
		}
		s.True(events[2].OccurredAt.Equal(t0.Add(20 * time.Second)))
		want := policy.MustLookup(policy.EventDataAccessed).RetentionUntil(events[2].OccurredAt)
		s.True(events[2].RetentionUntil.Equal(want))
	})

	s.Run("window starting between the stamps verifies", func() {
		from := t0.Add(15 * time.Second)
		res, err := s.service.VerifyChain(s.ctx, &from, nil)
		s.Require().NoError(err)
		s.True(res.Valid, res.Reason)
		s.Equal(3, res.Checked)
	})
}

func (s *ServiceSuite) TestSubmitContention() {
	s.Run("conflicts within the retry budget succeed", func() {
		flaky := &flakyStore{InMemoryStore: memory.NewInMemoryStore(), conflicts: 2}
		svc := s.newService(flaky)

		e, err := svc.Submit(s.ctx, s.draft("u1", policy.EventLogout))
		s.Require().NoError(err)
		s.Equal(int64(1), e.Seq)
	})

	s.Run("exhausted retries report contention and write nothing", func() {
		flaky := &flakyStore{InMemoryStore: memory.NewInMemoryStore(), conflicts: 100}
		svc := s.newService(flaky, WithMaxAppendRetries(3))

		_, err := svc.Submit(s.ctx, s.draft("u1", policy.EventLogout))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeChainContention))
		s.Equal(97, flaky.conflicts)

		tail, err := flaky.Tail(s.ctx)
		s.Require().NoError(err)
		s.Zero(tail.Seq)
	})

	s.Run("store failure is a persistence error", func() {
		flaky := &flakyStore{InMemoryStore: memory.NewInMemoryStore(), err: errors.New("disk full")}
		svc := s.newService(flaky)

		_, err := svc.Submit(s.ctx, s.draft("u1", policy.EventLogout))
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodePersistence))
		s.Contains(err.Error(), "disk full")
	})
}

func (s *ServiceSuite) TestSubmitDispatches() {
	svc := s.newService(s.store, WithDispatcher(s.dispatcher))

	var queued *models.Event
	s.dispatcher.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, e *models.Event) bool {
			queued = e
			return true
		})

	e, err := svc.Submit(s.ctx, s.draft("u1", policy.EventLogout))
	s.Require().NoError(err)
	s.Require().NotNil(queued)
	s.Equal(e.ID, queued.ID)
	s.Equal(e.SelfHash, queued.SelfHash)
}

func (s *ServiceSuite) TestSubmitSurvivesFullQueue() {
	svc := s.newService(s.store, WithDispatcher(s.dispatcher))
	s.dispatcher.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(false)

	e, err := svc.Submit(s.ctx, s.draft("u1", policy.EventLogout))
	s.Require().NoError(err)
	s.NotEmpty(e.ID)
}

// =============================================================================
// Queries and cache
// =============================================================================

func (s *ServiceSuite) TestGetByID() {
	e := s.submit("u1", policy.EventLogout)

	s.Run("served from cache after submit", func() {
		before := s.cache.Stats().Hits
		got, err := s.service.GetByID(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(e.SelfHash, got.SelfHash)
		s.Equal(before+1, s.cache.Stats().Hits)
	})

	s.Run("unknown id is not found", func() {
		_, err := s.service.GetByID(s.ctx, "missing")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestTimelineInvalidatedOnSubmit() {
	s.submit("u1", policy.EventLogout)
	s.submit("u1", policy.EventLoginSuccess)

	events, err := s.service.Timeline(s.ctx, store.EntityActor, "u1")
	s.Require().NoError(err)
	s.Len(events, 2)

	s.submit("u1", policy.EventDataAccessed)

	events, err = s.service.Timeline(s.ctx, store.EntityActor, "u1")
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(int64(3), events[2].Seq)

	byTarget, err := s.service.Timeline(s.ctx, "document", "doc-1")
	s.Require().NoError(err)
	s.Len(byTarget, 3)

	_, err = s.service.Timeline(s.ctx, "", "u1")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestQueries() {
	s.submit("u1", policy.EventLogout)
	s.submit("u2", policy.EventDataAccessed)
	s.submit("u1", policy.EventDataModified)

	s.Run("by actor", func() {
		events, err := s.service.ListByActor(s.ctx, "u1", models.Page{})
		s.Require().NoError(err)
		s.Len(events, 2)

		_, err = s.service.ListByActor(s.ctx, " ", models.Page{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("by type", func() {
		events, err := s.service.ListByType(s.ctx, policy.EventDataAccessed, models.Page{})
		s.Require().NoError(err)
		s.Len(events, 1)

		_, err = s.service.ListByType(s.ctx, "nope", models.Page{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("by period", func() {
		events, err := s.service.ListByPeriod(s.ctx, s.clock.Add(-time.Minute), s.clock.Add(time.Minute), models.Page{Limit: 2})
		s.Require().NoError(err)
		s.Len(events, 2)

		_, err = s.service.ListByPeriod(s.ctx, s.clock, s.clock.Add(-time.Minute), models.Page{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("search", func() {
		events, err := s.service.Search(s.ctx, "READ DOC", models.Page{})
		s.Require().NoError(err)
		s.Len(events, 3)

		_, err = s.service.Search(s.ctx, "  ", models.Page{})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("personal data", func() {
		events, err := s.service.PersonalDataForActor(s.ctx, "u1")
		s.Require().NoError(err)
		s.Require().Len(events, 1)
		s.Equal(policy.EventDataModified, events[0].Type)
	})

	s.Run("counts", func() {
		counts, err := s.service.CountByType(s.ctx, s.clock.Add(-time.Hour), s.clock.Add(time.Hour))
		s.Require().NoError(err)
		s.Len(counts, 3)
	})

	s.Run("stats are cached", func() {
		since := s.clock.Add(-time.Hour)
		first, err := s.service.ResumeStats(s.ctx, since)
		s.Require().NoError(err)
		s.Equal(int64(3), first.Total)
		s.Equal(int64(2), first.DistinctActors)

		hits := s.cache.Stats().Hits
		second, err := s.service.ResumeStats(s.ctx, since)
		s.Require().NoError(err)
		s.Equal(first, second)
		s.Equal(hits+1, s.cache.Stats().Hits)
	})
}

// =============================================================================
// Integrity
// =============================================================================

func (s *ServiceSuite) TestVerifyChain() {
	s.Run("empty chain is valid", func() {
		res, err := s.service.VerifyChain(s.ctx, nil, nil)
		s.Require().NoError(err)
		s.True(res.Valid)
		s.Zero(res.Checked)
	})

	first := s.submit("u1", policy.EventLogout)
	s.clock = s.clock.Add(time.Hour)
	second := s.submit("u2", policy.EventLogout)
	s.clock = s.clock.Add(time.Hour)
	s.submit("u3", policy.EventLogout)

	s.Run("intact chain", func() {
		res, err := s.service.VerifyChain(s.ctx, nil, nil)
		s.Require().NoError(err)
		s.True(res.Valid)
		s.Equal(3, res.Checked)
	})

	s.Run("window links to its stored predecessor", func() {
		from := first.OccurredAt.Add(time.Minute)
		res, err := s.service.VerifyChain(s.ctx, &from, nil)
		s.Require().NoError(err)
		s.True(res.Valid, res.Reason)
		s.Equal(2, res.Checked)
	})

	s.Run("tampering is found even when the cache holds the original", func() {
		_, err := s.service.GetByID(s.ctx, second.ID)
		s.Require().NoError(err)
		s.True(s.store.Tamper(second.ID, func(e *models.Event) { e.Action = "nothing to see" }))

		res, err := s.service.VerifyChain(s.ctx, nil, nil)
		s.Require().NoError(err)
		s.False(res.Valid)
		s.Require().NotNil(res.BrokenAtIndex)
		s.Equal(1, *res.BrokenAtIndex)
		s.Equal(second.ID, res.BrokenEventID)
		s.True(dErrors.HasCode(res.Err(), dErrors.CodeIntegrityViolation))

		cached, err := s.service.GetByID(s.ctx, second.ID)
		s.Require().NoError(err)
		s.Equal("read document", cached.Action)
	})
}

// =============================================================================
// Lifecycle
// =============================================================================

func (s *ServiceSuite) TestDeliveryCallbacks() {
	s.Run("delivered events are processed", func() {
		e := s.submit("u1", policy.EventLogout)
		s.Require().NoError(s.service.MarkDelivered(s.ctx, e))

		got, err := s.service.GetByID(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessed, got.Status)
		s.Require().NotNil(got.ProcessedAt)

		s.Require().NoError(s.service.MarkDelivered(s.ctx, e), "repeat delivery is a no-op")
	})

	s.Run("undeliverable events fail, then reject after reprocessing", func() {
		svc := s.newService(s.store, WithDispatcher(s.dispatcher))
		e := s.submit("u1", policy.EventLogout)

		s.Require().NoError(svc.MarkUndeliverable(s.ctx, e, errors.New("broker down")))
		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusFailed, got.Status)

		s.dispatcher.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, q *models.Event) bool {
				s.Equal(e.ID, q.ID)
				s.Equal(models.StatusReprocessing, q.Status)
				return true
			})
		n, err := svc.ReprocessFailed(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, n)

		s.Require().NoError(svc.MarkUndeliverable(s.ctx, e, errors.New("broker still down")))
		got, err = s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusRejected, got.Status)
	})

	s.Run("anonymized events are left alone", func() {
		e := s.submit("u9", policy.EventDataAccessed)
		stored, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Require().True(stored.Anonymize())
		s.Require().NoError(s.store.SaveAnonymized(s.ctx, []*models.Event{stored}))

		s.Require().NoError(s.service.MarkDelivered(s.ctx, e))
		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusAnonymized, got.Status)
	})
}

func (s *ServiceSuite) TestReprocessWithoutDispatcher() {
	_, err := s.service.ReprocessFailed(s.ctx)
	s.Error(err)
}

func (s *ServiceSuite) TestTransition() {
	e := s.submit("u1", policy.EventLogout)

	s.Run("invalid move is rejected", func() {
		_, err := s.service.Transition(s.ctx, e.ID, models.StatusArchived)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("valid moves persist", func() {
		got, err := s.service.Transition(s.ctx, e.ID, models.StatusProcessed)
		s.Require().NoError(err)
		s.Equal(models.StatusProcessed, got.Status)

		got, err = s.service.Transition(s.ctx, e.ID, models.StatusArchived)
		s.Require().NoError(err)
		s.Equal(models.StatusArchived, got.Status)
	})

	s.Run("terminal states accept nothing", func() {
		_, err := s.service.Transition(s.ctx, e.ID, models.StatusAnonymized)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	})

	s.Run("hashes never change across transitions", func() {
		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(e.SelfHash, got.SelfHash)
		s.Equal(e.PrevHash, got.PrevHash)
		s.Equal(e.OccurredAt, got.OccurredAt)
	})

	s.Run("unknown event", func() {
		_, err := s.service.Transition(s.ctx, "missing", models.StatusProcessed)
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestHealth() {
	s.submit("u1", policy.EventLogout)
	d := s.draft("u1", policy.EventIntrusionAttempt)
	d.Severity = models.SeverityCritical
	_, err := s.service.Submit(s.ctx, d)
	s.Require().NoError(err)

	h, err := s.service.Health(s.ctx)
	s.Require().NoError(err)
	s.Equal("up", h.Store)
	s.Equal(int64(2), h.EventsToday)
	s.Equal(int64(1), h.UnprocessedCritical)
	s.NotNil(h.Cache)
}

func (s *ServiceSuite) TestClearCacheIsAudited() {
	e := s.submit("u1", policy.EventLogout)
	_, err := s.service.GetByID(s.ctx, e.ID)
	s.Require().NoError(err)

	n, err := s.service.ClearCache(s.ctx, "admin-1")
	s.Require().NoError(err)
	s.Positive(n)

	events, err := s.store.ListByType(s.ctx, policy.EventCacheCleared, models.Page{})
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal("admin-1", events[0].Actor.ID)
}

// listFailingStore fails period listings.
type listFailingStore struct {
	*memory.InMemoryStore
}

func (listFailingStore) ListByPeriod(context.Context, time.Time, time.Time, models.Page) ([]*models.Event, error) {
	return nil, errors.New("connection reset")
}

func (s *ServiceSuite) TestWarmCache() {
	old := s.submit("u1", policy.EventLogout)
	s.clock = s.clock.Add(2 * time.Hour)
	var recent []*models.Event
	for range 3 {
		recent = append(recent, s.submit("u2", policy.EventLogout))
	}
	_, err := s.cache.Clear(s.ctx)
	s.Require().NoError(err)

	s.Run("caches events inside the window", func() {
		n, err := s.service.WarmCache(s.ctx, time.Hour)
		s.Require().NoError(err)
		s.Equal(3, n)
		for _, e := range recent {
			_, ok := s.cache.GetEvent(s.ctx, e.ID)
			s.True(ok)
		}
		_, ok := s.cache.GetEvent(s.ctx, old.ID)
		s.False(ok, "outside the window")
	})

	s.Run("store failure is degraded", func() {
		svc := s.newService(listFailingStore{s.store})
		n, err := svc.WarmCache(s.ctx, time.Hour)
		s.Zero(n)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeDownstreamDegraded))
	})

	s.Run("no window is a no-op", func() {
		n, err := s.service.WarmCache(s.ctx, 0)
		s.Require().NoError(err)
		s.Zero(n)
	})
}

// =============================================================================
// End to end with the real dispatcher
// =============================================================================

func TestSubmitDeliversThroughHub(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.NewInMemoryStore()
	hub := stream.NewHub()
	dispatcher := stream.NewDispatcher([]stream.Emitter{hub}, stream.WithLogger(logger))

	svc, err := New(st, WithLogger(logger), WithDispatcher(dispatcher))
	if err != nil {
		t.Fatal(err)
	}
	dispatcher.SetStatusSink(svc)
	dispatcher.Start(ctx)

	sub := hub.Subscribe(stream.Filter{ActorID: "u1"})
	defer sub.Close()

	e, err := svc.Submit(ctx, models.Draft{EventType: policy.EventLogout, ActorID: "u1", Action: "logout"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-sub.C:
		if got.ID != e.ID {
			t.Fatalf("hub delivered %s, want %s", got.ID, e.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the hub")
	}

	if err := dispatcher.Close(ctx); err != nil {
		t.Fatal(err)
	}
	stored, err := st.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusProcessed {
		t.Fatalf("status = %s, want %s", stored.Status, models.StatusProcessed)
	}
}
