// Package domainerrors carries the typed error taxonomy shared by the audit
// services. Stores return infrastructure facts (see pkg/platform/sentinel);
// services translate them into one of these codes before returning.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies the class of a domain error.
type Code string

const (
	// CodeValidation marks malformed or missing input. Rejected before any
	// hashing or persistence and never retried automatically.
	CodeValidation Code = "validation"
	// CodeChainContention marks a concurrent append that kept losing the race
	// for the chain tail after the internal retry budget was spent.
	CodeChainContention Code = "chain_contention"
	// CodeIntegrityViolation marks a recomputed digest or link mismatch.
	CodeIntegrityViolation Code = "integrity_violation"
	// CodeInvalidTransition marks a lifecycle rule violation.
	CodeInvalidTransition Code = "invalid_transition"
	// CodePersistence marks an unavailable or failing store. Ingestion fails
	// closed on this code.
	CodePersistence Code = "persistence"
	// CodeDownstreamDegraded marks emitter or cache failures. Never surfaced
	// from ingestion or reads; used for logs and dead letters.
	CodeDownstreamDegraded Code = "downstream_degraded"
	CodeNotFound           Code = "not_found"
	CodeInternal           Code = "internal"
)

// Error is a domain error with a stable code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err yields nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any domain error in err's chain carries code.
func HasCode(err error, code Code) bool {
	var de *Error
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the outermost domain code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
