// Package store defines the persistence contract for the audit chain. The
// memory and postgres subpackages implement it; consumers declare the subset
// they need.
package store

import (
	"context"
	"strings"
	"time"

	"auditchain/internal/audit/chain"
	"auditchain/internal/audit/models"
	"auditchain/internal/audit/policy"
)

// Tail is the chain head the next append must link to. OccurredAt is the
// head's timestamp; the next event may not be stamped earlier.
type Tail struct {
	Hash       string
	Seq        int64
	OccurredAt time.Time
}

// EntityActor is the timeline entity type that selects events by actor
// rather than by target.
const EntityActor = "actor"

// Store is the full persistence capability.
type Store interface {
	// Append writes e only if the store's tail hash and seq still equal expected.
	// A moved tail yields sentinel.ErrConflict and nothing is written.
	Append(ctx context.Context, e *models.Event, expected Tail) error
	Tail(ctx context.Context) (Tail, error)
	// Anchor is what the oldest retained event links to: zero until a purge
	// removes the chain's prefix.
	Anchor(ctx context.Context) (chain.Anchor, error)

	Get(ctx context.Context, id string) (*models.Event, error)
	GetBySeq(ctx context.Context, seq int64) (*models.Event, error)
	ListByActor(ctx context.Context, actorID string, page models.Page) ([]*models.Event, error)
	ListByType(ctx context.Context, eventType policy.EventType, page models.Page) ([]*models.Event, error)
	ListByPeriod(ctx context.Context, from, to time.Time, page models.Page) ([]*models.Event, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]*models.Event, error)
	Timeline(ctx context.Context, entityType, entityID string) ([]*models.Event, error)
	Search(ctx context.Context, term string, page models.Page) ([]*models.Event, error)
	PersonalDataByActor(ctx context.Context, actorID string) ([]*models.Event, error)
	// ListChain returns events in chain order, optionally bounded by occurredAt.
	ListChain(ctx context.Context, from, to *time.Time) ([]*models.Event, error)
	ListArchivable(ctx context.Context, before time.Time, limit int) ([]*models.Event, error)

	// UpdateStatus persists Status and ProcessedAt of e if the stored status
	// is still from. Otherwise it returns sentinel.ErrConflict.
	UpdateStatus(ctx context.Context, e *models.Event, from models.Status) error
	// SaveAnonymized persists the scrubbed fields and status of every event
	// atomically. A status that turned terminal since the events were read is
	// kept.
	SaveAnonymized(ctx context.Context, events []*models.Event) error
	// MarkExpired flips up to limit events whose retention passed to EXPIRED
	// and returns their ids.
	MarkExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// PurgeExpired deletes the contiguous chain prefix of EXPIRED events whose
	// retention ended before cutoff and moves the anchor past them.
	PurgeExpired(ctx context.Context, cutoff time.Time) (int, error)

	Stats(ctx context.Context, since time.Time) (models.ResumeStats, error)
	CountByType(ctx context.Context, from, to time.Time) ([]models.TypeCount, error)
	CountUnprocessedCritical(ctx context.Context, since time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Matches reports whether e matches a free-text search term: action, target
// name or metadata, case-insensitive.
func Matches(e *models.Event, term string) bool {
	term = strings.ToLower(term)
	if term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Action), term) ||
		strings.Contains(strings.ToLower(e.Target.Name), term) ||
		strings.Contains(strings.ToLower(string(e.Metadata)), term)
}

// InTimeline reports whether e belongs to the timeline of the given entity.
func InTimeline(e *models.Event, entityType, entityID string) bool {
	if entityType == EntityActor {
		return e.Actor.ID == entityID
	}
	return e.Target.Type == entityType && e.Target.ID == entityID
}

// Archivable reports whether e may leave the hot store: processed, older than
// before, and not holding personal data that could still need scrubbing.
func Archivable(e *models.Event, before time.Time) bool {
	return e.Status == models.StatusProcessed &&
		e.OccurredAt.Before(before) &&
		(!e.ContainsPersonalData || e.Anonymized)
}

// Critical reports whether e counts as critical in summaries.
func Critical(e *models.Event) bool {
	return e.Severity == models.SeverityCritical
}

// UnprocessedStatuses are the states of an event still owed a delivery.
var UnprocessedStatuses = []models.Status{
	models.StatusCreated,
	models.StatusValidated,
	models.StatusFailed,
	models.StatusReprocessing,
}

func Unprocessed(s models.Status) bool {
	for _, u := range UnprocessedStatuses {
		if s == u {
			return true
		}
	}
	return false
}
