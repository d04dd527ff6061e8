package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by stores when no entity matches the given id.
var ErrNotFound = errors.New("not found")

// ConflictError indicates the counselor already has a non-terminal session
// whose window overlaps the requested slot. User-correctable: the slot is
// no longer available.
type ConflictError struct {
	CounselorID      string
	ConflictingID    string
	RequestedStart   time.Time
	RequestedMinutes int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("counselor %s already booked for an overlapping session %s", e.CounselorID, e.ConflictingID)
}

// InvalidTimeError indicates the requested schedule is not strictly in the
// future or the duration is not positive.
type InvalidTimeError struct {
	ScheduledAt time.Time
	Reason      string
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid session time %s: %s", e.ScheduledAt.Format(time.RFC3339), e.Reason)
}

// StaleVersionError indicates the caller's expected version no longer
// matches the stored one. The client must refetch and retry; it must never
// silently overwrite.
type StaleVersionError struct {
	SessionID string
	Expected  int64
	Actual    int64
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("session %s version is %d, expected %d", e.SessionID, e.Actual, e.Expected)
}

// TerminalStateError indicates an attempted transition out of cancelled or
// completed.
type TerminalStateError struct {
	SessionID string
	Status    SessionStatus
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("session %s is %s and can no longer be modified", e.SessionID, e.Status)
}

// PersistenceError wraps an infrastructure failure from a store. Retryable.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TimeoutError indicates a store operation did not acknowledge within the
// bounded timeout. The outcome is ambiguous: the operation may have
// succeeded after the timeout fired, so retries must carry an idempotency
// token.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation that
// produced err. Conflict, invalid-time, stale-version, and terminal-state
// failures need user correction first and are not retryable.
func Retryable(err error) bool {
	var pe *PersistenceError
	var te *TimeoutError
	return errors.As(err, &pe) || errors.As(err, &te)
}
