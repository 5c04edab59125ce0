package engine

import (
	"errors"
	"fmt"
)

// SyncError represents an error detected during a sync run.
//
// Record-level codes (missing natural key, unparseable date, constraint
// violation) never abort the run: the record is counted as skipped and the
// error lands in the anomaly list. Fatal codes (source failure, lock held,
// aborted) end the run.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Message is a human-readable description.
	Message string

	// Email identifies the affected record's natural key, when known.
	Email string

	// Period is the academic period in play, when known.
	Period string

	// Ordinal is the affected cycle ordinal, when relevant (0 otherwise).
	Ordinal int

	// Err is the underlying error, if any.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeMissingKey indicates a raw record without a usable email.
	ErrCodeMissingKey SyncErrorCode = "MISSING_NATURAL_KEY"

	// ErrCodeBadDate indicates an unparseable or contradictory date.
	ErrCodeBadDate SyncErrorCode = "UNPARSEABLE_DATE"

	// ErrCodeBadValue indicates a value that could not be safely coerced.
	ErrCodeBadValue SyncErrorCode = "INVALID_VALUE"

	// ErrCodeConstraint indicates a unique-key conflict the upsert engine
	// could not resolve.
	ErrCodeConstraint SyncErrorCode = "CONSTRAINT_VIOLATION"

	// ErrCodeSourceFailed indicates the source connector failed after
	// exhausting retries. Fatal for the whole run.
	ErrCodeSourceFailed SyncErrorCode = "SOURCE_FAILED"

	// ErrCodeLockHeld indicates another run holds the period lock.
	ErrCodeLockHeld SyncErrorCode = "RUN_LOCK_HELD"

	// ErrCodeAborted indicates the run was cancelled cooperatively.
	ErrCodeAborted SyncErrorCode = "ABORTED"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Email != "" && e.Ordinal > 0:
		return fmt.Sprintf("%s: %s (email=%s, period=%s, ordinal=%d)", e.Code, e.Message, e.Email, e.Period, e.Ordinal)
	case e.Email != "":
		return fmt.Sprintf("%s: %s (email=%s, period=%s)", e.Code, e.Message, e.Email, e.Period)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsRecordError returns true when the error affects a single record and
// the run should continue. Uses errors.As to handle wrapped errors.
func IsRecordError(err error) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case ErrCodeMissingKey, ErrCodeBadDate, ErrCodeBadValue, ErrCodeConstraint:
		return true
	}
	return false
}

// IsFatal returns true when the error must abort the remaining pipeline.
func IsFatal(err error) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case ErrCodeSourceFailed, ErrCodeLockHeld, ErrCodeAborted:
		return true
	}
	return false
}

// NewRecordError creates a record-scoped SyncError.
func NewRecordError(code SyncErrorCode, message, email, period string) *SyncError {
	return &SyncError{Code: code, Message: message, Email: email, Period: period}
}

// NewSourceError wraps a connector failure as fatal.
func NewSourceError(err error) *SyncError {
	return &SyncError{Code: ErrCodeSourceFailed, Message: "source connector failed", Err: err}
}
