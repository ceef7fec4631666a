package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/service"
	"auditchain/internal/audit/store/memory"
	dErrors "auditchain/pkg/domain-errors"
)

type failingWriter struct{}

func (failingWriter) Put(context.Context, string, []byte) error {
	return errors.New("bucket unavailable")
}

type ArchiverSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	logger  *slog.Logger
	store   *memory.InMemoryStore
	service *service.Service
	objects *MemoryObjects
}

func TestArchiverSuite(t *testing.T) {
	suite.Run(t, new(ArchiverSuite))
}

func (s *ArchiverSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.store = memory.NewInMemoryStore()
	svc, err := service.New(s.store,
		service.WithLogger(s.logger),
		service.WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
	s.service = svc
	s.objects = NewMemoryObjects()
}

func (s *ArchiverSuite) processed(actorID string, eventType policy.EventType) *models.Event {
	e, err := s.service.Submit(s.ctx, models.Draft{EventType: eventType, ActorID: actorID, Action: "act"})
	s.Require().NoError(err)
	e, err = s.service.Transition(s.ctx, e.ID, models.StatusProcessed)
	s.Require().NoError(err)
	return e
}

func (s *ArchiverSuite) archiver(w ObjectWriter, opts ...Option) *Archiver {
	base := []Option{
		WithLogger(s.logger),
		WithClock(func() time.Time { return s.now }),
		WithPrefix("audit-archive"),
	}
	a, err := New(s.store, s.service, w, append(base, opts...)...)
	s.Require().NoError(err)
	return a
}

func (s *ArchiverSuite) TestNewRequiresCollaborators() {
	_, err := New(nil, s.service, s.objects)
	s.Error(err)
	_, err = New(s.store, s.service, nil)
	s.Error(err)
}

func (s *ArchiverSuite) TestRun() {
	for range 3 {
		s.processed("u1", policy.EventLogout)
	}
	personal := s.processed("u2", policy.EventDataAccessed)
	fresh, err := s.service.Submit(s.ctx, models.Draft{EventType: policy.EventLogout, ActorID: "u3", Action: "act"})
	s.Require().NoError(err)

	s.now = s.now.AddDate(0, 0, 100)
	n, err := s.archiver(s.objects, WithBatchSize(2)).Run(s.ctx, 0)
	s.Require().NoError(err)
	s.Equal(3, n)

	keys := s.objects.Keys()
	s.Require().Len(keys, 2)
	s.True(strings.HasPrefix(keys[0], "audit-archive/2025/04/20/"), keys[0])
	s.True(strings.HasSuffix(keys[0], ".jsonl.zst"))

	var archived []*models.Event
	for _, key := range keys {
		body, ok := s.objects.Get(key)
		s.Require().True(ok)
		events, err := Decode(body)
		s.Require().NoError(err)
		archived = append(archived, events...)
	}
	s.Require().Len(archived, 3)
	for _, e := range archived {
		s.Equal(models.StatusProcessed, e.Status, "objects hold the pre-archive copy")
		got, err := s.store.Get(s.ctx, e.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusArchived, got.Status)
		s.Equal(e.SelfHash, got.SelfHash)
	}

	for _, id := range []string{personal.ID, fresh.ID} {
		got, err := s.store.Get(s.ctx, id)
		s.Require().NoError(err)
		s.NotEqual(models.StatusArchived, got.Status)
	}

	res, err := s.service.VerifyChain(s.ctx, nil, nil)
	s.Require().NoError(err)
	s.True(res.Valid, res.Reason)
}

func (s *ArchiverSuite) TestRunWriterFailureLeavesStatus() {
	e := s.processed("u1", policy.EventLogout)
	s.now = s.now.AddDate(0, 0, 100)

	n, err := s.archiver(failingWriter{}).Run(s.ctx, 0)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDownstreamDegraded))
	s.Zero(n)

	got, err := s.store.Get(s.ctx, e.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusProcessed, got.Status)
}

func (s *ArchiverSuite) TestRunNothingEligible() {
	s.processed("u1", policy.EventLogout)

	n, err := s.archiver(s.objects).Run(s.ctx, 0)
	s.Require().NoError(err)
	s.Zero(n)
	s.Empty(s.objects.Keys())
}

func TestEncodeDecodeKeepsDigests(t *testing.T) {
	e := &models.Event{ID: "e1", Seq: 7, SelfHash: "abc", AfterDigest: "def", Status: models.StatusProcessed}
	body, err := Encode([]*models.Event{e})
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].SelfHash != "abc" || got[0].AfterDigest != "def" || got[0].Seq != 7 {
		t.Fatalf("decoded %+v", got)
	}
}
