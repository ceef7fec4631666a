package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/stream"
	"auditchain/internal/platform/kafka/consumer"
)

func (c *cli) verifyCommand() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain, optionally within a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fromT, err := parseTime(from)
			if err != nil {
				return err
			}
			toT, err := parseTime(to)
			if err != nil {
				return err
			}
			res, err := c.app.Service.VerifyChain(cmd.Context(), fromT, toT)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "window start (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "window end (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

type statsReport struct {
	Summary models.ResumeStats `json:"summary"`
	ByType  []models.TypeCount `json:"by_type"`
}

func (c *cli) statsCommand() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarise recorded events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			now := time.Now().UTC()
			from := now.Add(-since)
			summary, err := c.app.Service.ResumeStats(ctx, from)
			if err != nil {
				return err
			}
			byType, err := c.app.Service.CountByType(ctx, from, now)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), statsReport{Summary: summary, ByType: byType})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "look-back window")
	return cmd
}

func (c *cli) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark events past their retention horizon as EXPIRED",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.Retention.SweepExpired(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d events\n", n)
			return err
		},
	}
}

func (c *cli) anonymizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "anonymize ACTOR_ID",
		Short: "Scrub personal data recorded for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := c.app.Retention.Anonymize(cmd.Context(), args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "anonymized %d events\n", n)
			return err
		},
	}
}

func (c *cli) purgeCommand() *cobra.Command {
	var minAge time.Duration
	var confirm bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired events older than the minimum age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirm {
				return errors.New("purge deletes events permanently; pass --yes to proceed")
			}
			n, err := c.app.Retention.Purge(cmd.Context(), minAge)
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d events\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "minimum time past expiry (default the configured floor)")
	cmd.Flags().BoolVar(&confirm, "yes", false, "confirm the deletion")
	return cmd
}

// reprocessCommand requeues failed events. Delivery happens while the
// command shuts down, bounded by --drain-timeout.
func (c *cli) reprocessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Redeliver events whose delivery failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.Service.ReprocessFailed(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d events\n", n)
			return err
		},
	}
}

func (c *cli) archiveCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move old processed events to object storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.app.Archiver == nil {
				return errNoArchive
			}
			if olderThan == 0 {
				olderThan = c.app.Config.Retention.ArchiveAfter
			}
			n, err := c.app.Archiver.Run(cmd.Context(), olderThan)
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d events\n", n)
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum event age (default ARCHIVE_AFTER)")
	return cmd
}

func (c *cli) tailCommand() *cobra.Command {
	var actorID, eventType, group string
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow events from the event topic",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.app.Config.Kafka
			if len(cfg.Brokers) == 0 {
				return errNoKafka
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sub := c.app.Hub.Subscribe(stream.Filter{ActorID: actorID, EventType: policy.EventType(eventType)})
			defer sub.Close()

			cons, err := consumer.New(consumer.Config{
				Brokers:   cfg.Brokers,
				Topics:    []string{cfg.Topic},
				Group:     group,
				FromStart: fromStart,
			}, stream.Feed(c.app.Hub, c.app.Logger), c.app.Logger)
			if err != nil {
				return err
			}
			done := make(chan error, 1)
			go func() { done <- cons.Run(ctx) }()

			out := cmd.OutOrStdout()
			for {
				select {
				case e, ok := <-sub.C:
					if !ok {
						return nil
					}
					if err := printJSON(out, e); err != nil {
						return err
					}
				case err := <-done:
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "only events by this actor")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&group, "group", "", "consumer group (empty for an ungrouped reader)")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "start from the earliest retained record")
	return cmd
}

func (c *cli) deadLettersCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List the most recent undeliverable events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			letters, err := c.app.DeadLetters.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), letters)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries")
	return cmd
}

func (c *cli) cacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the read cache",
	}
	var requestedBy string
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every cached entry and record the action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := c.app.Service.ClearCache(cmd.Context(), requestedBy)
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %d entries\n", n)
			return err
		},
	}
	clearCmd.Flags().StringVar(&requestedBy, "by", "", "operator recorded as the actor")
	cmd.AddCommand(clearCmd)
	return cmd
}
