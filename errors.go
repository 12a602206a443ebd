package paygate

import (
	"errors"
	"fmt"
)

// Sentinel errors for lookup and insertion.
var (
	// ErrNotFound is returned when no session exists for an id.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicateID is returned when inserting a session whose id is taken.
	ErrDuplicateID = errors.New("session id already exists")
)

// ValidationError reports malformed input, rejected before any persistence.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Message)
}

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// RequirementMismatchError reports payment terms that disagree with the
// session's stored requirement. Field names the first mismatching term.
type RequirementMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *RequirementMismatchError) Error() string {
	return fmt.Sprintf("requirement mismatch on %s: want %s, got %s", e.Field, e.Want, e.Got)
}

// VerificationError reports that the facilitator rejected the payment proof.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payment verification failed: %s", e.Reason)
}

// SettlementError reports that the facilitator could not settle the payment.
type SettlementError struct {
	Reason string
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("payment settlement failed: %s", e.Reason)
}

// DownstreamError reports a failed submission or status call against the
// downstream provider.
type DownstreamError struct {
	Op  string
	Err error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("downstream %s failed: %v", e.Op, e.Err)
}

func (e *DownstreamError) Unwrap() error {
	return e.Err
}
