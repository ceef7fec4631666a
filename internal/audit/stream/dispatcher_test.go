package stream

//go:generate mockgen -source=emitter.go -destination=mocks/mocks.go -package=mocks Emitter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/stream/mocks"
)

type recordingStatus struct {
	mu            sync.Mutex
	delivered     []string
	undeliverable []string
	done          chan struct{}
}

func newRecordingStatus() *recordingStatus {
	return &recordingStatus{done: make(chan struct{}, 100)}
}

func (r *recordingStatus) MarkDelivered(_ context.Context, e *models.Event) error {
	r.mu.Lock()
	r.delivered = append(r.delivered, e.ID)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingStatus) MarkUndeliverable(_ context.Context, e *models.Event, _ error) error {
	r.mu.Lock()
	r.undeliverable = append(r.undeliverable, e.ID)
	r.mu.Unlock()
	r.done <- struct{}{}
	return nil
}

func (r *recordingStatus) wait(t *testing.T, n int) {
	t.Helper()
	for range n {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch outcome")
		}
	}
}

type DispatcherSuite struct {
	suite.Suite
	ctrl        *gomock.Controller
	emitter     *mocks.MockEmitter
	status      *recordingStatus
	deadLetters *RingDeadLetters
	logger      *slog.Logger
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func (s *DispatcherSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.emitter = mocks.NewMockEmitter(s.ctrl)
	s.emitter.EXPECT().Name().Return("kafka").AnyTimes()
	s.status = newRecordingStatus()
	s.deadLetters = NewRingDeadLetters(10)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *DispatcherSuite) newDispatcher(opts ...Option) *Dispatcher {
	base := []Option{
		WithStatusSink(s.status),
		WithDeadLetters(s.deadLetters),
		WithLogger(s.logger),
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithWorkers(1),
	}
	d := NewDispatcher([]Emitter{s.emitter}, append(base, opts...)...)
	d.Start(context.Background())
	s.T().Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func event(id string) *models.Event {
	return &models.Event{ID: id, Type: policy.EventLogout, Actor: models.Actor{ID: "alice"}}
}

func (s *DispatcherSuite) TestDeliveredEventsAreMarked() {
	s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil)
	d := s.newDispatcher()

	s.True(d.Enqueue(context.Background(), event("e1")))
	s.status.wait(s.T(), 1)

	s.Equal([]string{"e1"}, s.status.delivered)
	s.Zero(s.deadLetters.Len())
}

func (s *DispatcherSuite) TestTransientFailureIsRetried() {
	gomock.InOrder(
		s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable")),
		s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil),
	)
	d := s.newDispatcher(WithMaxAttempts(3))

	d.Enqueue(context.Background(), event("e1"))
	s.status.wait(s.T(), 1)

	s.Equal([]string{"e1"}, s.status.delivered)
}

func (s *DispatcherSuite) TestExhaustedRetriesDeadLetter() {
	s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("broker unavailable")).Times(3)
	d := s.newDispatcher(WithMaxAttempts(3))

	d.Enqueue(context.Background(), event("e1"))
	s.status.wait(s.T(), 1)

	s.Equal([]string{"e1"}, s.status.undeliverable)
	letters, err := s.deadLetters.List(context.Background(), 0)
	s.Require().NoError(err)
	s.Require().Len(letters, 1)
	s.Equal("kafka", letters[0].Sink)
	s.Equal(3, letters[0].Attempts)
	s.Equal("e1", letters[0].Event.ID)
}

func (s *DispatcherSuite) TestOpenBreakerShortCircuits() {
	s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(errors.New("down")).Times(2)
	d := s.newDispatcher(WithMaxAttempts(1), WithBreaker(2, time.Hour))

	for _, id := range []string{"e1", "e2", "e3"} {
		d.Enqueue(context.Background(), event(id))
	}
	s.status.wait(s.T(), 3)

	s.ElementsMatch([]string{"e1", "e2", "e3"}, s.status.undeliverable)
	s.True(d.BreakerStates()["kafka"])
	letters, _ := s.deadLetters.List(context.Background(), 1)
	s.Equal(ErrSinkOpen.Error(), letters[0].Error)
}

func (s *DispatcherSuite) TestEmitIsBoundedByTimeout() {
	s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ *models.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d := s.newDispatcher(WithMaxAttempts(1), WithEmitTimeout(10*time.Millisecond))

	d.Enqueue(context.Background(), event("e1"))
	s.status.wait(s.T(), 1)

	s.Equal([]string{"e1"}, s.status.undeliverable)
}

func (s *DispatcherSuite) TestFullQueueDeadLettersWithoutBlocking() {
	release := make(chan struct{})
	s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *models.Event) error {
		<-release
		return nil
	}).AnyTimes()
	d := s.newDispatcher(WithQueueSize(1))

	d.Enqueue(context.Background(), event("busy")) // picked up by the worker
	time.Sleep(20 * time.Millisecond)
	d.Enqueue(context.Background(), event("queued"))
	accepted := d.Enqueue(context.Background(), event("overflow"))

	s.False(accepted)
	letters, _ := s.deadLetters.List(context.Background(), 0)
	s.Require().NotEmpty(letters)
	s.Equal("queue", letters[0].Sink)
	close(release)
}

func (s *DispatcherSuite) TestCloseDrainsQueue() {
	s.emitter.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil).Times(5)
	d := NewDispatcher([]Emitter{s.emitter}, WithStatusSink(s.status), WithLogger(s.logger))
	d.Start(context.Background())

	for _, id := range []string{"e1", "e2", "e3", "e4", "e5"} {
		d.Enqueue(context.Background(), event(id))
	}
	s.Require().NoError(d.Close(context.Background()))
	s.Len(s.status.delivered, 5)

	s.False(d.Enqueue(context.Background(), event("late")), "closed dispatcher refuses work")
}
