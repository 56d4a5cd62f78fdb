package multipart

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for bad plan or session parameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrIllegalTransition is returned when a ledger entry is moved backwards.
	ErrIllegalTransition = errors.New("illegal chunk state transition")

	// ErrLedgerIncomplete is returned when parts are requested before every chunk succeeded.
	ErrLedgerIncomplete = errors.New("ledger is incomplete")
)

// TransientError is a retryable transfer failure (network, timeout, 5xx).
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient transfer error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient transfer error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a transfer failure that must not be retried (4xx, auth, quota).
type PermanentError struct {
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent transfer error (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent transfer error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// FinalizeError is returned when the remote side rejects the ledger.
type FinalizeError struct {
	SessionID string
	Err       error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize session %s: %v", e.SessionID, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// ErrorClass names the error kind used in abort reasons.
func ErrorClass(err error) string {
	var (
		transient *TransientError
		permanent *PermanentError
		finalize  *FinalizeError
	)
	switch {
	case errors.As(err, &permanent):
		return "permanent transfer error"
	case errors.As(err, &transient):
		return "transient transfer error"
	case errors.As(err, &finalize):
		return "finalize error"
	case errors.Is(err, ErrInvalidInput):
		return "invalid input"
	default:
		return "unknown error"
	}
}
