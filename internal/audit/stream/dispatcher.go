package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auditchain/internal/audit/models"
	"auditchain/internal/platform/metrics"
	"auditchain/pkg/platform/circuit"
)

// ErrSinkOpen is recorded when a sink's breaker refused the attempt.
var ErrSinkOpen = errors.New("sink circuit open")

// StatusSink receives the delivery outcome of each dispatched event.
type StatusSink interface {
	// MarkDelivered is called once every sink accepted the event.
	MarkDelivered(ctx context.Context, e *models.Event) error
	// MarkUndeliverable is called when at least one sink gave up.
	MarkUndeliverable(ctx context.Context, e *models.Event, cause error) error
}

type sink struct {
	Emitter
	breaker *circuit.Breaker
}

// Dispatcher delivers committed events to every sink from a bounded queue
// drained by a worker pool. Each sink is retried with exponential backoff
// behind its own circuit breaker.
type Dispatcher struct {
	sinks       []sink
	status      StatusSink
	deadLetters DeadLetterSink
	logger      *slog.Logger
	metrics     *metrics.Metrics

	workers          int
	queueSize        int
	maxAttempts      int
	emitTimeout      time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	breakerThreshold int
	breakerCooldown  time.Duration

	mu     sync.RWMutex // guards queue against send-after-close
	queue  chan *models.Event
	closed bool
	wg     sync.WaitGroup
	stop   context.CancelFunc
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

func WithEmitTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.emitTimeout = t
		}
	}
}

// WithBackoff sets the first retry delay; later retries double it up to max.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.initialBackoff = initial
		if maxDelay > 0 {
			d.maxBackoff = maxDelay
		}
	}
}

func WithBreaker(threshold int, cooldown time.Duration) Option {
	return func(d *Dispatcher) {
		d.breakerThreshold = threshold
		d.breakerCooldown = cooldown
	}
}

func WithStatusSink(s StatusSink) Option {
	return func(d *Dispatcher) {
		d.status = s
	}
}

func WithDeadLetters(s DeadLetterSink) Option {
	return func(d *Dispatcher) {
		d.deadLetters = s
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func NewDispatcher(emitters []Emitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:           slog.Default(),
		workers:          4,
		queueSize:        1024,
		maxAttempts:      3,
		emitTimeout:      5 * time.Second,
		initialBackoff:   200 * time.Millisecond,
		maxBackoff:       10 * time.Second,
		breakerThreshold: 5,
		breakerCooldown:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.deadLetters == nil {
		d.deadLetters = NewRingDeadLetters(0)
	}
	for _, e := range emitters {
		d.sinks = append(d.sinks, sink{
			Emitter: e,
			breaker: circuit.New(e.Name(),
				circuit.WithFailureThreshold(d.breakerThreshold),
				circuit.WithCooldown(d.breakerCooldown),
			),
		})
	}
	d.queue = make(chan *models.Event, d.queueSize)
	return d
}

// SetStatusSink wires the outcome receiver after construction, for callers
// that depend on the dispatcher themselves.
func (d *Dispatcher) SetStatusSink(s StatusSink) {
	d.status = s
}

// Start launches the workers. They run until Close drains the queue or ctx
// is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.stop = context.WithCancel(ctx)
	for range d.workers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for e := range d.queue {
				d.metrics.SetQueueDepth(len(d.queue))
				d.process(ctx, e)
			}
		}()
	}
}

// Enqueue hands e to the workers without blocking. A full or closed queue
// dead-letters the event and reports false.
func (d *Dispatcher) Enqueue(ctx context.Context, e *models.Event) bool {
	d.mu.RLock()
	accepted := false
	if !d.closed {
		select {
		case d.queue <- e.Clone():
			accepted = true
		default:
		}
	}
	d.mu.RUnlock()

	if accepted {
		d.metrics.SetQueueDepth(len(d.queue))
		return true
	}

	cause := errors.New("dispatch queue full or closed")
	d.deadLetter(ctx, e, "queue", cause, 0)
	d.undeliverable(ctx, e, cause)
	return false
}

// Close stops accepting events and waits for queued ones to be delivered.
// If ctx ends first, in-flight deliveries are cancelled.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if d.stop != nil {
			d.stop()
		}
		return nil
	case <-ctx.Done():
		if d.stop != nil {
			d.stop()
		}
		<-done
		return ctx.Err()
	}
}

// BreakerStates reports whether each sink's breaker is open.
func (d *Dispatcher) BreakerStates() map[string]bool {
	out := make(map[string]bool, len(d.sinks))
	for _, s := range d.sinks {
		out[s.Name()] = s.breaker.IsOpen()
	}
	return out
}

func (d *Dispatcher) process(ctx context.Context, e *models.Event) {
	var failures []error
	for _, s := range d.sinks {
		attempts, err := d.deliver(ctx, s, e)
		if err != nil {
			d.deadLetter(ctx, e, s.Name(), err, attempts)
			failures = append(failures, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(failures) > 0 {
		d.undeliverable(ctx, e, errors.Join(failures...))
		return
	}
	if d.status == nil {
		return
	}
	if err := d.status.MarkDelivered(context.WithoutCancel(ctx), e); err != nil {
		d.logger.WarnContext(ctx, "failed to record delivery", "event_id", e.ID, "error", err)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, s sink, e *models.Event) (int, error) {
	backoff := d.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if !s.breaker.Allow() {
			return attempt - 1, ErrSinkOpen
		}

		emitCtx, cancel := context.WithTimeout(ctx, d.emitTimeout)
		err := s.Emit(emitCtx, e)
		cancel()
		if err == nil {
			if _, change := s.breaker.RecordSuccess(); change.Closed {
				d.logger.InfoContext(ctx, "sink recovered", "sink", s.Name())
				d.metrics.SetCircuitBreakerState(s.Name(), false)
			}
			d.metrics.IncDispatched(s.Name())
			return attempt, nil
		}

		lastErr = err
		d.metrics.IncDispatchFailure(s.Name())
		if _, change := s.breaker.RecordFailure(); change.Opened {
			d.logger.WarnContext(ctx, "sink circuit opened", "sink", s.Name(), "error", err)
			d.metrics.SetCircuitBreakerState(s.Name(), true)
		}
		if attempt == d.maxAttempts {
			break
		}
		if err := sleep(ctx, backoff); err != nil {
			return attempt, err
		}
		backoff = min(backoff*2, d.maxBackoff)
	}
	return d.maxAttempts, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, e *models.Event, sinkName string, cause error, attempts int) {
	d.metrics.IncDeadLettered()
	d.logger.ErrorContext(ctx, "event dead-lettered",
		"event_id", e.ID,
		"sink", sinkName,
		"attempts", attempts,
		"error", cause,
	)
	dl := DeadLetter{
		EventID:  e.ID,
		Sink:     sinkName,
		Error:    cause.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
		Event:    e,
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.emitTimeout)
	defer cancel()
	if err := d.deadLetters.Write(writeCtx, dl); err != nil {
		d.logger.ErrorContext(ctx, "dead letter write failed", "event_id", e.ID, "error", err)
	}
}

func (d *Dispatcher) undeliverable(ctx context.Context, e *models.Event, cause error) {
	if d.status == nil {
		return
	}
	if err := d.status.MarkUndeliverable(context.WithoutCancel(ctx), e, cause); err != nil {
		d.logger.WarnContext(ctx, "failed to record delivery failure", "event_id", e.ID, "error", err)
	}
}
