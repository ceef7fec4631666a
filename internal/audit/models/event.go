// Package models holds the audit event record, the ingestion draft and the
// lifecycle rules that govern how a stored event may change.
package models

import (
	"bytes"
	"encoding/json"
	"time"

	"auditchain/internal/audit/policy"
)

// Scrub sentinels written by anonymization.
const (
	AnonymizedName = "ANONYMIZED"
	MaskedValue    = "MASKED"
)

// SystemActorID authors events the service records about itself.
const SystemActorID = "SYSTEM"

// Actor is the entity that caused the event.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Target is the entity affected by the event. Zero for system-level events.
type Target struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

func (t Target) IsZero() bool {
	return t.Type == "" && t.ID == ""
}

// Event is one committed fact in the chain.
//
// ID, Seq, OccurredAt, SelfHash, PrevHash and the state digests never change
// after commit. Status, ProcessedAt, RetentionUntil (forward only) and the
// anonymization fields are the only mutable parts.
type Event struct {
	ID        string           `json:"id"`
	Seq       int64            `json:"seq"`
	Type      policy.EventType `json:"event_type"`
	Actor     Actor            `json:"actor"`
	SessionID string           `json:"session_id,omitempty"`
	SourceIP  string           `json:"source_ip,omitempty"`
	UserAgent string           `json:"user_agent,omitempty"`
	Target    Target           `json:"target"`
	Action    string           `json:"action"`

	BeforeState  json.RawMessage `json:"before_state,omitempty"`
	AfterState   json.RawMessage `json:"after_state,omitempty"`
	BeforeDigest string          `json:"before_digest,omitempty"`
	AfterDigest  string          `json:"after_digest,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`

	Severity Severity `json:"severity"`
	Status   Status   `json:"status"`

	SelfHash string `json:"self_hash"`
	PrevHash string `json:"prev_hash"`

	Category             policy.Category `json:"compliance_category"`
	ContainsPersonalData bool            `json:"contains_personal_data"`
	RetentionUntil       time.Time       `json:"retention_until"`
	Anonymized           bool            `json:"anonymized"`

	OccurredAt  time.Time  `json:"occurred_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`

	OriginSystem  string `json:"origin_system,omitempty"`
	OriginVersion string `json:"origin_version,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
}

// Transition moves the event along the lifecycle table.
func (e *Event) Transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return ErrInvalidTransition(e.Status, to)
	}
	e.Status = to
	if to == StatusProcessed {
		at := now
		e.ProcessedAt = &at
	}
	return nil
}

// Expire flips the event to EXPIRED. It is the retention sweep's own path and
// bypasses the lifecycle table. Returns false if the event was already expired.
func (e *Event) Expire() bool {
	if e.Status == StatusExpired {
		return false
	}
	e.Status = StatusExpired
	return true
}

// IsExpired reports whether the retention horizon has passed.
func (e *Event) IsExpired(now time.Time) bool {
	return !e.RetentionUntil.IsZero() && e.RetentionUntil.Before(now)
}

// Anonymize irreversibly scrubs personal data. Terminal events keep their
// status; every other status becomes ANONYMIZED. Returns false when the event
// was already anonymized, which makes the operation idempotent.
func (e *Event) Anonymize() bool {
	if e.Anonymized {
		return false
	}
	e.Anonymized = true
	e.Actor.Name = AnonymizedName
	e.SourceIP = MaskedValue
	e.UserAgent = MaskedValue
	e.BeforeState = nil
	e.AfterState = nil
	e.Metadata = json.RawMessage(`{}`)
	if !e.Status.Terminal() {
		e.Status = StatusAnonymized
	}
	return true
}

// ExtendRetention moves the retention horizon forward. Earlier values are
// ignored: retention is never shortened.
func (e *Event) ExtendRetention(until time.Time) bool {
	if !until.After(e.RetentionUntil) {
		return false
	}
	e.RetentionUntil = until
	return true
}

// Clone returns a deep copy.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	c.BeforeState = cloneRaw(e.BeforeState)
	c.AfterState = cloneRaw(e.AfterState)
	c.Metadata = cloneRaw(e.Metadata)
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return bytes.Clone(raw)
}

// Page bounds list queries.
type Page struct {
	Limit  int
	Offset int
}

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 500
)

// Normalize applies defaults and caps.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// ResumeStats is the executive summary served to compliance tooling.
type ResumeStats struct {
	Since             time.Time `json:"since"`
	Total             int64     `json:"total"`
	Critical          int64     `json:"critical"`
	Errors            int64     `json:"errors"`
	PersonalDataCount int64     `json:"personal_data_count"`
	DistinctActors    int64     `json:"distinct_actors"`
}

// TypeCount is one row of a per-type histogram.
type TypeCount struct {
	Type  policy.EventType `json:"event_type"`
	Count int64            `json:"count"`
}
