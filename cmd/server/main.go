package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"auditchain/internal/app"
	"auditchain/internal/audit/retention"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/httpserver"
	"auditchain/internal/platform/logger"
	"auditchain/internal/platform/metrics"
)

// main wires the audit log and runs its background workers: the delivery
// dispatcher, the maintenance scheduler and the ops HTTP server.
func main() {
	cfg := config.Load()
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("audit log stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	a, err := app.Build(ctx, cfg, log, metrics.New())
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close connections", "error", err)
		}
	}()

	// Workers outlive the signal so Close can drain the queue.
	a.Dispatcher.Start(context.WithoutCancel(ctx))

	jobs := []retention.SchedulerOption{retention.WithSchedulerLogger(log)}
	if a.Archiver != nil {
		jobs = append(jobs, retention.WithJob("archive", func(ctx context.Context) (int, error) {
			return a.Archiver.Run(ctx, cfg.Retention.ArchiveAfter)
		}))
	}
	scheduler := retention.NewScheduler(a.Retention, cfg.Retention.SweepInterval, jobs...)

	srv := httpserver.New(cfg.Server.Addr, httpserver.NewOpsRouter(a.Health))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.WarmCache(gctx)
		return nil
	})
	g.Go(func() error {
		log.Info("starting ops server", "addr", cfg.Server.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("ops server shutdown failed", "error", err)
		}
		if err := a.Dispatcher.Close(shutdownCtx); err != nil {
			log.Error("dispatcher did not drain before shutdown deadline", "error", err)
		}
		return nil
	})

	return g.Wait()
}
