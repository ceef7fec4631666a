package models

import (
	"strings"

	"auditchain/internal/audit/policy"
	dErrors "auditchain/pkg/domain-errors"
)

// Draft is what producers submit. Everything except EventType, ActorID and
// Action is optional.
type Draft struct {
	EventType   policy.EventType `json:"event_type"`
	ActorID     string           `json:"actor_id"`
	ActorName   string           `json:"actor_name,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	SourceIP    string           `json:"source_ip,omitempty"`
	UserAgent   string           `json:"user_agent,omitempty"`
	TargetType  string           `json:"target_type,omitempty"`
	TargetID    string           `json:"target_id,omitempty"`
	TargetName  string           `json:"target_name,omitempty"`
	Action      string           `json:"action"`
	BeforeState map[string]any   `json:"before_state,omitempty"`
	AfterState  map[string]any   `json:"after_state,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
	Severity    Severity         `json:"severity,omitempty"`
	TraceID     string           `json:"trace_id,omitempty"`
	SpanID      string           `json:"span_id,omitempty"`
}

// Validate checks required fields. It runs before any hashing or persistence.
func (d Draft) Validate() error {
	var problems []string
	if d.EventType == "" {
		problems = append(problems, "event_type is required")
	} else if !d.EventType.Valid() {
		problems = append(problems, "event_type "+string(d.EventType)+" is unknown")
	}
	if strings.TrimSpace(d.ActorID) == "" {
		problems = append(problems, "actor_id is required")
	}
	if strings.TrimSpace(d.Action) == "" {
		problems = append(problems, "action is required")
	}
	if d.Severity != "" && !d.Severity.Valid() {
		problems = append(problems, "severity "+string(d.Severity)+" is unknown")
	}
	if len(problems) > 0 {
		return dErrors.New(dErrors.CodeValidation, strings.Join(problems, "; "))
	}
	return nil
}
