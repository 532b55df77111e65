package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no migration record exists.
	ErrNotFound = errors.New("migration not found")
	// ErrActiveExists is returned when opening a migration for an API that
	// already has a non-terminal one.
	ErrActiveExists = errors.New("a non-terminal migration already exists for this api")
	// ErrPersistence wraps failures of the record or audit store. An
	// operation returning it has not been applied.
	ErrPersistence = errors.New("persistence failure")
)

// RejectReason says why a transition was refused.
type RejectReason string

const (
	RejectInvalidEdge            RejectReason = "invalid-edge"
	RejectLockNotHeld            RejectReason = "lock-not-held"
	RejectConcurrentModification RejectReason = "concurrent-modification"
	RejectApprovalPending        RejectReason = "approval-pending"
)

// RejectedError is a refused transition. Nothing was written.
// On RejectConcurrentModification the caller must re-read before retrying.
type RejectedError struct {
	Reason  RejectReason
	From    Status
	Event   Event
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("transition %s from %s rejected (%s): %s", e.Event, e.From, e.Reason, e.Message)
	}
	return fmt.Sprintf("transition %s from %s rejected (%s)", e.Event, e.From, e.Reason)
}

// ValidationError is a malformed request, e.g. an unknown target phase. It
// is never worth retrying.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsRejected reports whether err is a RejectedError with the given reason.
func IsRejected(err error, reason RejectReason) bool {
	var rej *RejectedError
	return errors.As(err, &rej) && rej.Reason == reason
}

func persistence(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// classify makes every unexpected error from a transaction (a commit
// failure, say) a persistence error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var rej *RejectedError
	var val *ValidationError
	switch {
	case errors.As(err, &rej), errors.As(err, &val),
		errors.Is(err, ErrNotFound), errors.Is(err, ErrActiveExists), errors.Is(err, ErrPersistence):
		return err
	}
	return persistence(err)
}
