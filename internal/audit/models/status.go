package models

import (
	dErrors "auditchain/pkg/domain-errors"
)

// Status is the lifecycle state of a stored event.
//
//	CREATED → VALIDATED → PROCESSED → ARCHIVED
//	   ↓          ↓            ↓
//	REJECTED    FAILED ⇄ REPROCESSING   ANONYMIZED
//
// EXPIRED is only reached through the retention sweep.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusValidated    Status = "VALIDATED"
	StatusProcessed    Status = "PROCESSED"
	StatusArchived     Status = "ARCHIVED"
	StatusRejected     Status = "REJECTED"
	StatusFailed       Status = "FAILED"
	StatusReprocessing Status = "REPROCESSING"
	StatusExpired      Status = "EXPIRED"
	StatusAnonymized   Status = "ANONYMIZED"
)

var transitions = map[Status][]Status{
	StatusCreated:      {StatusValidated, StatusRejected},
	StatusValidated:    {StatusProcessed, StatusFailed},
	StatusProcessed:    {StatusArchived, StatusAnonymized},
	StatusFailed:       {StatusReprocessing, StatusRejected},
	StatusReprocessing: {StatusProcessed, StatusRejected},
}

// Terminal states accept no further transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusArchived, StatusRejected, StatusExpired, StatusAnonymized:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusValidated, StatusProcessed, StatusArchived, StatusRejected,
		StatusFailed, StatusReprocessing, StatusExpired, StatusAnonymized:
		return true
	}
	return false
}

// CanTransition reports whether from → to is in the lifecycle table.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition builds the error returned for a rejected transition.
func ErrInvalidTransition(from, to Status) error {
	return dErrors.Newf(dErrors.CodeInvalidTransition, "invalid status transition %s -> %s", from, to)
}
