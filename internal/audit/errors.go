package audit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("audit: invalid append request")

	// ErrTransient matches every *InfrastructureError. Callers may retry the whole append.
	ErrTransient = errors.New("audit: transient infrastructure error")

	// ErrIntegrityViolation matches every *IntegrityViolation. Never retried.
	ErrIntegrityViolation = errors.New("audit: integrity violation")

	// ErrNilStore is returned when a ledger is constructed without a store.
	ErrNilStore = errors.New("audit store cannot be nil")

	// ErrStreamNotFound is returned when a stream id is unknown.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrEventNotFound is returned when an event lookup has no match.
	ErrEventNotFound = errors.New("event not found")

	// ErrDuplicateDedupeKey is returned by stores when an insert loses the
	// (stream_id, dedupe_key) uniqueness race.
	ErrDuplicateDedupeKey = errors.New("dedupe key already recorded in stream")

	// ErrSequenceConflict is returned by stores when an insert collides on (stream_id, seq).
	// It cannot happen while the per-stream lock is honored.
	ErrSequenceConflict = errors.New("sequence number already assigned in stream")

	// errUnrepresentable marks a value the column type rejects, such as a
	// malformed uuid compared against a uuid column.
	errUnrepresentable = errors.New("value not representable in column type")

	// ErrTxDone is returned when an append transaction is used after Commit or Rollback.
	ErrTxDone = errors.New("append transaction already finished")
)

// ValidationError describes a malformed append request. It is rejected before any
// storage interaction and must not be retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// InfrastructureError wraps storage unavailability, lock timeouts, deadlocks and
// cancelled transactions. Nothing partial was committed when one is returned.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrTransient) succeed.
func (e *InfrastructureError) Is(target error) bool {
	return target == ErrTransient
}

// IntegrityViolation reports a hash or chain-link mismatch found by the verifier.
type IntegrityViolation struct {
	StreamID    string
	BrokenAtSeq int64
	Reason      string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation in stream %s at seq %d: %s", e.StreamID, e.BrokenAtSeq, e.Reason)
}

// Is makes errors.Is(err, ErrIntegrityViolation) succeed.
func (e *IntegrityViolation) Is(target error) bool {
	return target == ErrIntegrityViolation
}

// Violation converts a failed verification result into an error. Returns nil for valid results.
func (r VerificationResult) Violation() error {
	if r.Valid {
		return nil
	}
	return &IntegrityViolation{StreamID: r.StreamID, BrokenAtSeq: r.BrokenAtSeq, Reason: r.Reason}
}

// transient wraps err as an InfrastructureError when it stems from the
// connection, the deadline or lost lock ordering. Errors that already carry a
// classification pass through unchanged; anything else is wrapped with op and
// is not retryable.
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var infra *InfrastructureError
	if errors.As(err, &infra) {
		return err
	}
	if errors.Is(err, ErrStreamNotFound) || errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrDuplicateDedupeKey) || errors.Is(err, ErrValidation) {
		return err
	}
	if retryableCause(err) {
		return &InfrastructureError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func retryableCause(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.Is(err, ErrSequenceConflict):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetryable reports whether err is safe to retry by re-issuing the whole append.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
