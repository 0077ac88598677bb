package repositories

import (
	"errors"
	"fmt"
)

// LedgerErrorCode enumerates failure reasons raised inside ledger transactions.
type LedgerErrorCode string

const (
	// LedgerErrorNotFound indicates a document the operation depends on does not exist.
	LedgerErrorNotFound LedgerErrorCode = "not_found"
	// LedgerErrorInvalidInput indicates the caller supplied invalid arguments.
	LedgerErrorInvalidInput LedgerErrorCode = "invalid_input"
	// LedgerErrorDenied indicates a business rule refused the operation. Reason names which.
	LedgerErrorDenied LedgerErrorCode = "denied"
	// LedgerErrorAlreadyConsumed indicates the one-time key was consumed with a different outcome.
	LedgerErrorAlreadyConsumed LedgerErrorCode = "already_consumed"
	// LedgerErrorConflict indicates the fresh state forbids the change.
	LedgerErrorConflict LedgerErrorCode = "conflict"
	// LedgerErrorContention indicates every optimistic attempt lost its race.
	LedgerErrorContention LedgerErrorCode = "contention"
)

// LedgerError wraps ledger failures with machine readable codes.
type LedgerError struct {
	Op      string
	Code    LedgerErrorCode
	Reason  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Reason)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(op string, code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewLedgerDenial constructs a denial carrying a reason enum value.
func NewLedgerDenial(op string, reason string) *LedgerError {
	return &LedgerError{
		Op:      op,
		Code:    LedgerErrorDenied,
		Reason:  reason,
		Message: "denied",
	}
}

// AsLedgerError extracts a *LedgerError from err.
func AsLedgerError(err error) (*LedgerError, bool) {
	var ledgerErr *LedgerError
	if errors.As(err, &ledgerErr) {
		return ledgerErr, true
	}
	return nil, false
}
