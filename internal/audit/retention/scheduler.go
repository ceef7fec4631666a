package retention

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const DefaultSweepInterval = time.Hour

// Job is one unit of periodic maintenance.
type Job struct {
	Name string
	Run  func(ctx context.Context) (int, error)

	running atomic.Bool
}

// Scheduler runs its jobs on a fixed interval until the context ends. A job
// still running when its next tick fires is skipped for that tick.
type Scheduler struct {
	interval time.Duration
	jobs     []*Job
	logger   *slog.Logger
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

func WithJob(name string, run func(ctx context.Context) (int, error)) SchedulerOption {
	return func(s *Scheduler) {
		s.jobs = append(s.jobs, &Job{Name: name, Run: run})
	}
}

// NewScheduler builds a scheduler whose first job is the engine's expiry
// sweep. More jobs are added with WithJob.
func NewScheduler(engine *Engine, interval time.Duration, opts ...SchedulerOption) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Scheduler{
		interval: interval,
		logger:   slog.Default(),
		jobs:     []*Job{{Name: "sweep", Run: engine.SweepExpired}},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start blocks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.jobs {
				go s.RunOnce(ctx, job)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunOnce runs job now unless a previous run is still in progress. It
// reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, job *Job) bool {
	if !job.running.CompareAndSwap(false, true) {
		s.logger.WarnContext(ctx, "maintenance job still running, skipping tick", "job", job.Name)
		return false
	}
	defer job.running.Store(false)

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "maintenance job failed",
			"job", job.Name,
			"count", n,
			"error", err,
		)
		return true
	}
	s.logger.InfoContext(ctx, "maintenance job finished",
		"job", job.Name,
		"count", n,
		"duration", time.Since(start),
	)
	return true
}

// Jobs returns the scheduled jobs in registration order.
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}
