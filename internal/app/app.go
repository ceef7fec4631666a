// Package app assembles the audit log from configuration. Both the server
// and the operator CLI build their dependencies here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"auditchain/internal/audit/archive"
	"auditchain/internal/audit/cache"
	"auditchain/internal/audit/retention"
	"auditchain/internal/audit/service"
	"auditchain/internal/audit/store"
	"auditchain/internal/audit/store/memory"
	pgstore "auditchain/internal/audit/store/postgres"
	"auditchain/internal/audit/stream"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/kafka"
	"auditchain/internal/platform/metrics"
	"auditchain/internal/platform/postgres"
	"auditchain/internal/platform/redis"
)

// App holds the wired components. Archiver is nil when no archive bucket is
// configured.
type App struct {
	Config      config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Store       store.Store
	Cache       *cache.Accelerator
	Hub         *stream.Hub
	Dispatcher  *stream.Dispatcher
	DeadLetters stream.DeadLetterSink
	Service     *service.Service
	Retention   *retention.Engine
	Archiver    *archive.Archiver

	redis   *redis.Client
	closers []func() error
}

// Build connects every configured backend. Backends without configuration
// fall back to in-process implementations, except the archive which is
// simply left out. On error everything opened so far is closed.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Metrics: m}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.openRedis(ctx); err != nil {
		return nil, err
	}

	emitters, err := a.openEmitters(ctx)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = stream.NewDispatcher(emitters,
		stream.WithWorkers(cfg.Dispatcher.Workers),
		stream.WithQueueSize(cfg.Dispatcher.QueueSize),
		stream.WithMaxAttempts(cfg.Dispatcher.MaxAttempts),
		stream.WithEmitTimeout(cfg.Dispatcher.EmitTimeout),
		stream.WithBackoff(cfg.Dispatcher.InitialBackoff, 0),
		stream.WithBreaker(cfg.Dispatcher.BreakerThreshold, cfg.Dispatcher.BreakerCooldown),
		stream.WithDeadLetters(a.DeadLetters),
		stream.WithLogger(logger),
		stream.WithMetrics(m),
	)

	a.Service, err = service.New(a.Store,
		service.WithLogger(logger),
		service.WithMetrics(m),
		service.WithCache(a.Cache),
		service.WithDispatcher(a.Dispatcher),
		service.WithOrigin(service.Origin{System: cfg.Origin.System, Version: cfg.Origin.Version}),
		service.WithMaxAppendRetries(cfg.Chain.MaxAppendRetries),
	)
	if err != nil {
		return nil, err
	}
	a.Dispatcher.SetStatusSink(a.Service)

	a.Retention, err = retention.New(a.Store, a.Service,
		retention.WithLogger(logger),
		retention.WithMetrics(m),
		retention.WithCache(a.Cache),
		retention.WithBatchSize(cfg.Retention.BatchSize),
		retention.WithPurgeFloor(cfg.Retention.PurgeMinAge),
		retention.WithPseudonymKey(cfg.Retention.PseudonymKey),
	)
	if err != nil {
		return nil, err
	}

	if cfg.S3.Bucket != "" {
		objects, err := archive.NewS3Writer(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		a.Archiver, err = archive.New(a.Store, a.Service, objects,
			archive.WithLogger(logger),
			archive.WithMetrics(m),
			archive.WithPrefix(cfg.S3.Prefix),
		)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.Database.URL == "" {
		a.Logger.WarnContext(ctx, "DATABASE_URL not set, using in-memory audit store")
		a.Store = memory.NewInMemoryStore()
		return nil
	}
	db, err := postgres.Open(ctx, a.Config.Database.URL, postgres.Options{
		MaxOpenConns:    a.Config.Database.MaxOpenConns,
		MaxIdleConns:    a.Config.Database.MaxIdleConns,
		ConnMaxLifetime: a.Config.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, db.Close)
	if a.Config.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return err
		}
	}
	a.Store = pgstore.New(db)
	return nil
}

func (a *App) openRedis(ctx context.Context) error {
	rc, err := redis.New(ctx, a.Config.Redis)
	if err != nil {
		return err
	}
	cacheOpts := []cache.Option{
		cache.WithTimeout(a.Config.Cache.Timeout),
		cache.WithLogger(a.Logger),
		cache.WithMetrics(a.Metrics),
	}
	if rc == nil {
		a.Logger.WarnContext(ctx, "REDIS_URL not set, cache and dead letters stay in process")
		a.Cache = cache.New(cache.NewMemoryBackend(), cacheOpts...)
		a.DeadLetters = stream.NewRingDeadLetters(int(a.Config.Dispatcher.DeadLetterCap))
		return nil
	}
	a.redis = rc
	a.closers = append(a.closers, rc.Close)
	a.Cache = cache.New(cache.NewRedisBackend(rc.Client), cacheOpts...)
	a.DeadLetters = stream.NewRedisDeadLetters(rc.Client, a.Config.Dispatcher.DeadLetterCap)
	return nil
}

// openEmitters returns the hub plus every configured broker sink.
func (a *App) openEmitters(ctx context.Context) ([]stream.Emitter, error) {
	a.Hub = stream.NewHub(stream.WithHubMetrics(a.Metrics))
	emitters := []stream.Emitter{a.Hub}

	if len(a.Config.Kafka.Brokers) > 0 {
		client, err := kafka.NewProducerClient(a.Config.Kafka)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { client.Close(); return nil })
		if err := kafka.EnsureTopic(ctx, client, a.Config.Kafka); err != nil {
			return nil, err
		}
		emitters = append(emitters, stream.NewKafkaEmitter(client, a.Config.Kafka.Topic))
	}

	if a.Config.NATS.URL != "" {
		nc, err := nats.Connect(a.Config.NATS.URL, nats.Name(a.Config.Origin.System))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, nc.Drain)
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		if err := stream.EnsureStream(ctx, js, a.Config.NATS.Stream, a.Config.NATS.SubjectPrefix); err != nil {
			return nil, err
		}
		emitters = append(emitters, stream.NewNATSEmitter(js, a.Config.NATS.SubjectPrefix))
	}
	return emitters, nil
}

// WarmCache preloads recent events within the configured window and
// timeout. Failures are logged by the service and never stop startup.
func (a *App) WarmCache(ctx context.Context) int {
	if a.Config.Cache.WarmWindow <= 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, a.Config.Cache.WarmTimeout)
	defer cancel()
	n, _ := a.Service.WarmCache(ctx, a.Config.Cache.WarmWindow)
	return n
}

// Health is the ops endpoint payload.
type Health struct {
	service.Health
	Redis    string          `json:"redis,omitempty"`
	Breakers map[string]bool `json:"breakers_open"`
}

func (a *App) Health(ctx context.Context) (any, error) {
	h := Health{Breakers: a.Dispatcher.BreakerStates()}
	var errs []error
	sh, err := a.Service.Health(ctx)
	h.Health = sh
	errs = append(errs, err)
	if a.redis != nil {
		h.Redis = "up"
		if err := a.redis.Health(ctx); err != nil {
			h.Redis = "down"
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return h, errors.Join(errs...)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
