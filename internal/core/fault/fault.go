// Package fault defines the typed error codes the core surfaces to
// callers, and the error wrapper that carries them through the stack.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies one caller-visible failure class. Codes are stable wire
// values; handlers map them to HTTP statuses.
type Code string

const (
	CodeDuplicateIdempotencyConflict Code = "DUPLICATE_IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInProgress        Code = "IDEMPOTENCY_IN_PROGRESS"
	CodeInsufficientFunds            Code = "INSUFFICIENT_FUNDS"
	CodeUnbalancedJournal            Code = "UNBALANCED_JOURNAL"
	CodeCrossCurrencyNotAllowed      Code = "CROSS_CURRENCY_NOT_ALLOWED"
	CodeMissingRequiredField         Code = "MISSING_REQUIRED_FIELD"
	CodeNotFound                     Code = "NOT_FOUND"
	CodeInternal                     Code = "INTERNAL_ERROR"
)

// String returns the wire value of the code.
func (c Code) String() string {
	return string(c)
}

// HTTPStatus maps the code onto its HTTP response status.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeDuplicateIdempotencyConflict, CodeInsufficientFunds, CodeIdempotencyInProgress:
		return http.StatusConflict
	case CodeUnbalancedJournal, CodeCrossCurrencyNotAllowed:
		return http.StatusUnprocessableEntity
	case CodeMissingRequiredField:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the default human-readable message for the code.
func (c Code) Message() string {
	switch c {
	case CodeDuplicateIdempotencyConflict:
		return "idempotency key already used with a different payload"
	case CodeIdempotencyInProgress:
		return "a posting with this idempotency key is still in progress"
	case CodeInsufficientFunds:
		return "insufficient funds for requested debit"
	case CodeUnbalancedJournal:
		return "journal debits and credits do not balance"
	case CodeCrossCurrencyNotAllowed:
		return "entries must share a single currency"
	case CodeMissingRequiredField:
		return "a required field is missing or malformed"
	case CodeNotFound:
		return "requested entity does not exist"
	default:
		return "internal error"
	}
}

// IsClientError reports whether the code denotes a deterministic caller
// mistake. Client errors are never retried by the engine.
func (c Code) IsClientError() bool {
	s := c.HTTPStatus()
	return s >= 400 && s < 500
}

// Retryable reports whether retrying the identical request (same
// idempotency key) can make progress. Only an in-progress collision and
// internal failures qualify; the scope lock plus the idempotency record
// make such retries safe.
func (c Code) Retryable() bool {
	return c == CodeIdempotencyInProgress || c == CodeInternal
}

// Error is a failure tagged with a Code. It wraps the underlying cause,
// if any, and carries the request correlation id for tracing.
type Error struct {
	Code          Code
	Message       string
	CorrelationID string
	Err           error
}

// New builds a fault with the code's default message.
func New(code Code) *Error {
	return &Error{Code: code, Message: code.Message()}
}

// Newf builds a fault with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a fault around an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	if msg == "" {
		msg = code.Message()
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// WithCorrelation returns a copy of the fault carrying the correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the Code from err. Unknown errors read as
// INTERNAL_ERROR; nil reads as the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
