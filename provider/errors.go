package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrGatewayUnreachable is returned when a request provably never reached the gateway
var ErrGatewayUnreachable = errors.New("gateway unreachable")

// ValidationError reports malformed caller input. It is local and fixable by the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for field
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// GatewayError carries a rejection returned by the remote gateway with its original code
type GatewayError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// SignatureError is a security event: a signature did not match its payload
type SignatureError struct {
	Scheme    string
	Reference string
}

func (e *SignatureError) Error() string {
	if e.Reference == "" {
		return fmt.Sprintf("signature mismatch (%s)", e.Scheme)
	}
	return fmt.Sprintf("signature mismatch (%s) for %s", e.Scheme, e.Reference)
}

// AmbiguousOutcomeError marks a non-idempotent call whose remote effect is unknown.
// It must go to manual reconciliation and is never retried automatically.
type AmbiguousOutcomeError struct {
	Operation string
	Reference string
	Err       error
}

func (e *AmbiguousOutcomeError) Error() string {
	return fmt.Sprintf("ambiguous outcome for %s (%s): %v", e.Operation, e.Reference, e.Err)
}

func (e *AmbiguousOutcomeError) Unwrap() error { return e.Err }

// PricingUnavailableError means the gateway installment table could not be read
type PricingUnavailableError struct {
	BIN string
	Err error
}

func (e *PricingUnavailableError) Error() string {
	return fmt.Sprintf("installment pricing unavailable for bin %s: %v", e.BIN, e.Err)
}

func (e *PricingUnavailableError) Unwrap() error { return e.Err }

// TimeoutExpiredError means a transaction aged out before a result arrived
type TimeoutExpiredError struct {
	Reference string
	ExpiredAt time.Time
}

func (e *TimeoutExpiredError) Error() string {
	return fmt.Sprintf("transaction %s expired at %s", e.Reference, e.ExpiredAt.Format(time.RFC3339))
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsAmbiguous reports whether err is an AmbiguousOutcomeError
func IsAmbiguous(err error) bool {
	var target *AmbiguousOutcomeError
	return errors.As(err, &target)
}

// AsGatewayError extracts a GatewayError from err
func AsGatewayError(err error) (*GatewayError, bool) {
	var target *GatewayError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
