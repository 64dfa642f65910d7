package ledgerdb

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced by store implementations.
var (
	// ErrClosed is returned when the store has been closed.
	ErrClosed = errors.New("store is closed")

	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateScope is returned when inserting an idempotency record
	// whose scope_hash already exists. Distinct from ErrNotFound so the
	// engine can tell an admission race from a missing record.
	ErrDuplicateScope = errors.New("scope hash already exists")

	// ErrChainConflict is returned when a bundle's prev_hash does not
	// match the chain tip at commit time. Retryable under the scope lock.
	ErrChainConflict = errors.New("journal hash chain tip moved")

	// ErrUnbalancedBundle is returned for bundles whose lines violate
	// sum(DR) = sum(CR).
	ErrUnbalancedBundle = errors.New("journal lines do not balance")

	// ErrMixedCurrency is returned for bundles or journals mixing
	// currencies.
	ErrMixedCurrency = errors.New("journal lines mix currencies")

	// ErrTerminalStatus is returned when updating an idempotency record
	// that is already COMPLETED or FAILED.
	ErrTerminalStatus = errors.New("idempotency record is terminal")

	// ErrSameMakerChecker is returned when a checker attempts to decide
	// their own request.
	ErrSameMakerChecker = errors.New("checker must differ from maker")

	// ErrNotPending is returned when deciding an approval request that is
	// no longer PENDING.
	ErrNotPending = errors.New("approval request is not pending")
)

// ErrorType classifies store errors.
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeQuery
	ErrorTypeData
	ErrorTypeConstraint
)

// StoreError carries the operation, classification, and cause of a store
// failure.
type StoreError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Retryable bool
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether retrying the operation can make progress.
func (e *StoreError) IsRetryable() bool {
	return e.Retryable
}

// NewConnectionError wraps a connectivity failure.
func NewConnectionError(operation, message string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConnection, Operation: operation, Message: message, Cause: cause, Retryable: true}
}

// NewTransactionError wraps a transaction begin/commit/rollback failure.
func NewTransactionError(operation, message string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeTransaction, Operation: operation, Message: message, Cause: cause, Retryable: retryableCause(cause)}
}

// NewQueryError wraps a query execution failure.
func NewQueryError(operation, message string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeQuery, Operation: operation, Message: message, Cause: cause, Retryable: retryableCause(cause)}
}

// NewDataError wraps a scan or row-shape failure.
func NewDataError(operation, message string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeData, Operation: operation, Message: message, Cause: cause}
}

// NewConstraintError wraps a constraint violation.
func NewConstraintError(operation, message string, cause error) *StoreError {
	return &StoreError{Type: ErrorTypeConstraint, Operation: operation, Message: message, Cause: cause}
}

// IsRetryable reports whether err or anything in its chain is worth
// retrying: explicit retryable store errors, chain conflicts, and the
// usual transient database noise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrChainConflict) {
		return true
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return retryableCause(err)
}

func retryableCause(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"database is locked",
		"deadlock",
		"timeout",
		"temporary",
		"busy",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
