package scheduler

import (
	"errors"
	"fmt"
)

// ErrKind classifies gateway failures so orchestrations can resolve each one
// to the right terminal state.
type ErrKind string

const (
	// KindValidation: the gateway refused the request shape before doing
	// anything. Surfaced synchronously to the caller.
	KindValidation ErrKind = "validation"
	// KindCredentialSetup: the user's scheduler credentials or access keys
	// are missing. Surfaced for remediation, never retried automatically.
	KindCredentialSetup ErrKind = "credential_setup"
	// KindBackend: the scheduler accepted the request shape but rejected
	// the operation.
	KindBackend ErrKind = "backend"
	// KindUnavailable: transport-level failure; the caller may retry.
	KindUnavailable ErrKind = "unavailable"
)

// APIError is a typed gateway failure.
type APIError struct {
	Kind    ErrKind
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("scheduler gateway: %s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("scheduler gateway: %s: %s", e.Kind, e.Message)
}

// IsCredentialSetup reports whether err is the distinguished
// credentials/setup-needed failure.
func IsCredentialSetup(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindCredentialSetup
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindValidation
}

// IsUnavailable reports whether err is a transient transport failure.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindUnavailable
}
