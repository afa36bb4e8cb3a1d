package attendance

import (
	"errors"
	"fmt"
)

// Business outcomes. Everything not matching one of these is a server error.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrForbidden           = errors.New("not allowed to manage this session")
	ErrNotFound            = errors.New("attendance session not found")
	ErrSessionClosed       = errors.New("attendance session is closed")
	ErrSessionExpired      = errors.New("attendance session has expired")
	ErrDuplicateSubmission = errors.New("attendance already marked for this session")
	ErrProofRejected       = errors.New("proof rejected")
)

// RejectionError carries the reason a verification provider refused a proof.
type RejectionError struct {
	Method Method
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s proof rejected: %s", e.Method, e.Reason)
}

func (e *RejectionError) Unwrap() error { return ErrProofRejected }

// InvalidInput wraps ErrInvalidInput with a caller-facing message.
func InvalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Outcome names err for metrics and API error codes.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrDuplicateSubmission):
		return "duplicate_submission"
	case errors.Is(err, ErrProofRejected):
		return "proof_rejected"
	default:
		return "server_error"
	}
}
