// Package service is the ingestion pipeline and read side of the audit log.
// Every committed event is chained to its predecessor inside a single
// critical section; everything after commit (cache warm, fan-out) is best
// effort and never fails a submit.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"auditchain/internal/audit/cache"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/store"
	"auditchain/internal/platform/metrics"
)

// DefaultMaxAppendRetries bounds how often a submit re-reads the tail after
// another writer moved it.
const DefaultMaxAppendRetries = 5

const tracerName = "auditchain/internal/audit/service"

// Dispatcher receives committed events for asynchronous delivery.
type Dispatcher interface {
	Enqueue(ctx context.Context, e *models.Event) bool
}

// Origin identifies the system that produced the events.
type Origin struct {
	System  string
	Version string
}

type Service struct {
	store      store.Store
	cache      *cache.Accelerator
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	now        func() time.Time
	origin     Origin

	maxAppendRetries int

	// appendMu serialises tail read, digest and append within this process.
	appendMu sync.Mutex
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithCache enables cache-aside reads. Without it every read hits the store.
func WithCache(c *cache.Accelerator) Option {
	return func(s *Service) {
		s.cache = c
	}
}

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithOrigin(o Origin) Option {
	return func(s *Service) {
		s.origin = o
	}
}

func WithMaxAppendRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAppendRetries = n
		}
	}
}

func New(st store.Store, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, errors.New("audit store is required")
	}
	svc := &Service{
		store:            st,
		logger:           slog.Default(),
		tracer:           otel.Tracer(tracerName),
		now:              time.Now,
		maxAppendRetries: DefaultMaxAppendRetries,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// generation snapshots the cache epoch before a store read.
func (s *Service) generation() cache.Generation {
	if s.cache == nil {
		return cache.Generation{}
	}
	return s.cache.Generation()
}

func (s *Service) cacheEvent(ctx context.Context, gen cache.Generation, e *models.Event) {
	if s.cache == nil {
		return
	}
	if err := s.cache.PutEvent(ctx, gen, e); err != nil {
		s.metrics.IncDegraded("cache")
		s.logger.WarnContext(ctx, "failed to cache event", "event_id", e.ID, "error", err)
	}
}
