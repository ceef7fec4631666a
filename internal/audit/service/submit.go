package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"auditchain/internal/audit/cache"
	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
	"auditchain/internal/audit/store"
	dErrors "auditchain/pkg/domain-errors"
	"auditchain/pkg/platform/sentinel"
	"auditchain/pkg/requestcontext"
)

// Metadata keys filled from the parsed user agent.
const (
	MetaBrowser = "ua_browser"
	MetaOS      = "ua_os"
	MetaMobile  = "ua_mobile"
	MetaBot     = "ua_bot"

	// MetaRequestID holds the request id found on the submitting context.
	MetaRequestID = "request_id"
)

// Submit validates, chains and persists a draft. It returns the committed
// event once it is durable; caching and delivery happen afterwards and never
// fail the call.
func (s *Service) Submit(ctx context.Context, d models.Draft) (*models.Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Submit",
		trace.WithAttributes(attribute.String("audit.event_type", string(d.EventType))))
	defer span.End()

	e, err := s.build(ctx, d)
	if err != nil {
		s.metrics.IncRejected(string(dErrors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected")
		return nil, err
	}

	gen := s.generation()
	if err := s.append(ctx, e); err != nil {
		s.metrics.IncRejected(string(dErrors.CodeOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		s.logger.ErrorContext(ctx, "failed to append audit event",
			"event_type", e.Type,
			"actor_id", e.Actor.ID,
			"error", err,
		)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("audit.event_id", e.ID),
		attribute.Int64("audit.seq", e.Seq),
	)

	s.metrics.IncSubmitted(string(e.Type))
	s.afterCommit(ctx, gen, e)
	return e.Clone(), nil
}

// build turns a draft into an unsealed event: policy, enrichment and
// canonical payloads. Nothing is hashed or written yet, and the timestamps
// are left to append.
func (s *Service) build(ctx context.Context, d models.Draft) (*models.Event, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	p := policy.MustLookup(d.EventType)
	d = fromContext(ctx, d)

	before, err := chain.Canonicalize(d.BeforeState)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "before_state is not valid JSON")
	}
	after, err := chain.Canonicalize(d.AfterState)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "after_state is not valid JSON")
	}
	metadata, err := chain.Canonicalize(enrichMetadata(d.Metadata, d.UserAgent, requestcontext.RequestID(ctx)))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "metadata is not valid JSON")
	}

	severity := d.Severity
	if severity == "" {
		severity = models.SeverityInfo
	}

	traceID, spanID := d.TraceID, d.SpanID
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		if traceID == "" {
			traceID = sc.TraceID().String()
		}
		if spanID == "" {
			spanID = sc.SpanID().String()
		}
	}

	return &models.Event{
		ID:        uuid.NewString(),
		Type:      d.EventType,
		Actor:     models.Actor{ID: d.ActorID, Name: d.ActorName},
		SessionID: d.SessionID,
		SourceIP:  d.SourceIP,
		UserAgent: d.UserAgent,
		Target: models.Target{
			Type: d.TargetType,
			ID:   d.TargetID,
			Name: d.TargetName,
		},
		Action:               d.Action,
		BeforeState:          before,
		AfterState:           after,
		Metadata:             metadata,
		Severity:             severity,
		Status:               models.StatusCreated,
		Category:             p.Category,
		ContainsPersonalData: p.PersonalData,
		OriginSystem:         s.origin.System,
		OriginVersion:        s.origin.Version,
		TraceID:              traceID,
		SpanID:               spanID,
	}, nil
}

// fromContext fills the caller fields the draft left empty.
func fromContext(ctx context.Context, d models.Draft) models.Draft {
	if d.SessionID == "" {
		d.SessionID = requestcontext.SessionID(ctx)
	}
	if d.SourceIP == "" {
		d.SourceIP = requestcontext.ClientIP(ctx)
	}
	if d.UserAgent == "" {
		d.UserAgent = requestcontext.UserAgent(ctx)
	}
	return d
}

func enrichMetadata(in map[string]any, userAgent, requestID string) map[string]any {
	if len(in) == 0 && userAgent == "" && requestID == "" {
		return nil
	}
	out := make(map[string]any, len(in)+5)
	for k, v := range in {
		out[k] = v
	}
	if requestID != "" {
		if _, set := out[MetaRequestID]; !set {
			out[MetaRequestID] = requestID
		}
	}
	if userAgent != "" {
		ua := useragent.New(userAgent)
		browser, version := ua.Browser()
		if version != "" {
			browser += " " + version
		}
		out[MetaBrowser] = browser
		out[MetaOS] = ua.OS()
		out[MetaMobile] = ua.Mobile()
		out[MetaBot] = ua.Bot()
	}
	return out
}

// append stamps e, links it to the current tail and writes it. A conflicting
// write by another process re-reads the tail and tries again.
func (s *Service) append(ctx context.Context, e *models.Event) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	start := time.Now()
	defer func() {
		s.metrics.ObserveAppendDuration(time.Since(start).Seconds())
	}()

	if err := e.Transition(models.StatusValidated, time.Time{}); err != nil {
		return err
	}

	for attempt := 1; attempt <= s.maxAppendRetries; attempt++ {
		tail, err := s.store.Tail(ctx)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodePersistence, "failed to read chain tail")
		}
		s.stamp(e, tail)
		e.Seq = tail.Seq + 1
		chain.Seal(e, tail.Hash)

		err = s.store.Append(ctx, e, tail)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Wrap(err, dErrors.CodePersistence, "failed to persist audit event")
		}
		s.metrics.IncAppendConflict()
		s.logger.DebugContext(ctx, "chain tail moved, retrying append",
			"attempt", attempt,
			"expected_seq", tail.Seq,
		)
	}

	s.metrics.IncChainContention()
	return dErrors.Newf(dErrors.CodeChainContention,
		"chain tail kept moving after %d attempts", s.maxAppendRetries)
}

// stamp sets occurredAt from the clock, never earlier than the tail's, so
// chain order and time order agree even when the clock steps back.
func (s *Service) stamp(e *models.Event, tail store.Tail) {
	now := chain.NormalizeTime(s.now())
	if now.Before(tail.OccurredAt) {
		now = tail.OccurredAt
	}
	e.OccurredAt = now
	e.RetentionUntil = policy.MustLookup(e.Type).RetentionUntil(now)
}

func (s *Service) afterCommit(ctx context.Context, gen cache.Generation, e *models.Event) {
	if s.cache != nil {
		if err := s.cache.InvalidateTimelines(ctx, e); err != nil {
			s.metrics.IncDegraded("cache")
			s.logger.WarnContext(ctx, "failed to invalidate timelines", "event_id", e.ID, "error", err)
		}
	}
	s.cacheEvent(ctx, gen, e)

	if s.dispatcher != nil && !s.dispatcher.Enqueue(ctx, e) {
		s.logger.WarnContext(ctx, "event not queued for delivery", "event_id", e.ID)
	}
}
