package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"auditchain/internal/app"
	"auditchain/internal/platform/config"
	"auditchain/internal/platform/logger"
	"auditchain/internal/platform/metrics"
)

// builder opens the application for one command invocation.
type builder func(ctx context.Context, cfg config.Config, log *slog.Logger) (*app.App, error)

func defaultBuilder(ctx context.Context, cfg config.Config, log *slog.Logger) (*app.App, error) {
	// A private registry keeps CLI runs from touching the default one.
	return app.Build(ctx, cfg, log, metrics.NewWithRegisterer(prometheus.NewRegistry()))
}

type cli struct {
	envFile      string
	drainTimeout time.Duration
	build        builder
	app          *app.App
	root         *cobra.Command
}

func newCLI(build builder) *cli {
	if build == nil {
		build = defaultBuilder
	}
	c := &cli{build: build}

	c.root = &cobra.Command{
		Use:           "auditctl",
		Short:         "Operate the tamper-evident audit log",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load(c.envFile)
			log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log)
			a, err := c.build(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			c.app = a
			// Events recorded by a command, and requeued ones, are delivered
			// until shutdown drains the queue.
			a.Dispatcher.Start(context.WithoutCancel(cmd.Context()))
			return nil
		},
	}
	flags := c.root.PersistentFlags()
	flags.StringVar(&c.envFile, "env-file", ".env", "dotenv file seeding the environment")
	flags.DurationVar(&c.drainTimeout, "drain-timeout", 30*time.Second, "how long to wait for pending deliveries on exit")

	c.root.AddCommand(
		c.verifyCommand(),
		c.statsCommand(),
		c.sweepCommand(),
		c.anonymizeCommand(),
		c.purgeCommand(),
		c.reprocessCommand(),
		c.archiveCommand(),
		c.tailCommand(),
		c.deadLettersCommand(),
		c.cacheCommand(),
	)
	return c
}

// execute runs one command line and always releases what it opened, even
// when the command failed.
func (c *cli) execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	c.root.SetArgs(args)
	c.root.SetOut(stdout)
	c.root.SetErr(stderr)
	err := c.root.ExecuteContext(ctx)
	return errors.Join(err, c.shutdown(ctx))
}

func (c *cli) shutdown(ctx context.Context) error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.drainTimeout)
	defer cancel()
	var errs []error
	if err := c.app.Dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pending deliveries not finished: %w", err))
	}
	errs = append(errs, c.app.Close())
	c.app = nil
	return errors.Join(errs...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC 3339 timestamps and plain dates. Empty yields nil.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
}

var (
	errNoArchive = errors.New("archive bucket not configured (ARCHIVE_S3_BUCKET)")
	errNoKafka   = errors.New("kafka brokers not configured (KAFKA_BROKERS)")
)
