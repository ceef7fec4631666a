// Package archive moves processed events that no longer need hot storage
// into compressed objects and marks them ARCHIVED.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/klauspost/compress/zstd"

	"auditchain/internal/audit/models"
	"auditchain/internal/platform/metrics"
	dErrors "auditchain/pkg/domain-errors"
)

const (
	DefaultBatchSize = 1000
	// DefaultOlderThan is how long a processed event stays hot.
	DefaultOlderThan = 90 * 24 * time.Hour
)

// Source lists events eligible for archiving, oldest first.
type Source interface {
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]*models.Event, error)
}

// Transitioner records the ARCHIVED status through the lifecycle rules.
type Transitioner interface {
	Transition(ctx context.Context, id string, to models.Status) (*models.Event, error)
}

// ObjectWriter stores one archive object.
type ObjectWriter interface {
	Put(ctx context.Context, key string, body []byte) error
}

type Archiver struct {
	source    Source
	lifecycle Transitioner
	objects   ObjectWriter
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	prefix    string
	batchSize int
}

type Option func(*Archiver)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		a.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Archiver) {
		a.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		a.now = now
	}
}

// WithPrefix sets the key prefix of every object.
func WithPrefix(prefix string) Option {
	return func(a *Archiver) {
		a.prefix = prefix
	}
}

func WithBatchSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

func New(source Source, lifecycle Transitioner, objects ObjectWriter, opts ...Option) (*Archiver, error) {
	if source == nil || lifecycle == nil || objects == nil {
		return nil, errors.New("archive source, lifecycle and object writer are required")
	}
	a := &Archiver{
		source:    source,
		lifecycle: lifecycle,
		objects:   objects,
		logger:    slog.Default(),
		now:       time.Now,
		prefix:    "audit",
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run archives every eligible event older than olderThan, one object per
// batch, and returns how many events were archived. An object is written
// before any of its events changes status, so a failed run leaves at worst
// duplicates in storage and never an ARCHIVED event without a copy.
func (a *Archiver) Run(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultOlderThan
	}
	now := a.now().UTC()
	cutoff := now.Add(-olderThan)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		events, err := a.source.ListArchivable(ctx, cutoff, a.batchSize)
		if err != nil {
			return total, dErrors.Wrap(err, dErrors.CodePersistence, "failed to list archivable events")
		}
		if len(events) == 0 {
			break
		}

		body, err := Encode(events)
		if err != nil {
			return total, fmt.Errorf("encode archive batch: %w", err)
		}
		key := a.objectKey(now, events)
		if err := a.objects.Put(ctx, key, body); err != nil {
			return total, dErrors.Wrap(err, dErrors.CodeDownstreamDegraded, "failed to write archive object")
		}

		for _, e := range events {
			if _, err := a.lifecycle.Transition(ctx, e.ID, models.StatusArchived); err != nil {
				return total, err
			}
			total++
		}
		a.metrics.AddArchived(len(events))
		a.logger.InfoContext(ctx, "archived audit events", "key", key, "count", len(events))

		if len(events) < a.batchSize {
			break
		}
	}
	return total, nil
}

func (a *Archiver) objectKey(now time.Time, events []*models.Event) string {
	first, last := events[0].Seq, events[len(events)-1].Seq
	return path.Join(a.prefix, now.Format("2006/01/02"),
		fmt.Sprintf("%012d-%012d.jsonl.zst", first, last))
}

// Encode writes events as zstd-compressed JSON lines.
func Encode(events []*models.Event) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	enc := json.NewEncoder(zw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			_ = zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads an object produced by Encode.
func Decode(body []byte) ([]*models.Event, error) {
	zr, err := zstd.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	dec := json.NewDecoder(zr)
	var events []*models.Event
	for {
		var e models.Event
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
}
