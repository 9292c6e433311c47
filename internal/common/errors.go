// Package common provides shared utilities and types used across the
// application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Database errors.
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Configuration errors.
	ErrMissingConfig = errors.New("missing configuration")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidationError reports malformed or missing required fields. It is
// raised before any write takes effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for a named field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ImmutabilityViolation reports an attempted mutation of a LOCKED
// transaction outside the unlock flow.
type ImmutabilityViolation struct {
	TransactionID string
	Reason        string
}

func (e *ImmutabilityViolation) Error() string {
	return fmt.Sprintf("transaction %s is locked: %s", e.TransactionID, e.Reason)
}

// ConcurrencyConflict reports lock contention or a stale expected version.
// Callers should re-read and retry.
type ConcurrencyConflict struct {
	TransactionID string
	Err           error
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrent modification of transaction %s: %v", e.TransactionID, e.Err)
}

func (e *ConcurrencyConflict) Unwrap() error {
	return e.Err
}

// MatchingFailure reports that a single item of a reconciliation batch
// could not be processed. The batch continues; the item is retried on the
// next pass.
type MatchingFailure struct {
	SourceTransactionID string
	Err                 error
}

func (e *MatchingFailure) Error() string {
	return fmt.Sprintf("matching failed for transaction %s: %v", e.SourceTransactionID, e.Err)
}

func (e *MatchingFailure) Unwrap() error {
	return e.Err
}

// AuditWriteFailure reports that a history or audit row could not be
// committed. It is fatal for the enclosing operation, which must roll back
// entirely: the ledger never drifts from its audit trail.
type AuditWriteFailure struct {
	Err error
}

func (e *AuditWriteFailure) Error() string {
	return fmt.Sprintf("audit write failed: %v", e.Err)
}

func (e *AuditWriteFailure) Unwrap() error {
	return e.Err
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	var conflict *ConcurrencyConflict
	if errors.As(err, &conflict) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
