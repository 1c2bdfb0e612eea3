// Package services provides the read side of recorded flows: listing, details,
// observation payloads and filtering.
package services

import (
	"errors"
	"fmt"

	"github.com/dukex/flowtrail/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest       = errors.New("invalid request")
	ErrInvalidFlowID        = errors.New("invalid flow id")
	ErrInvalidObservationID = errors.New("invalid observation id")
	ErrInvalidFilter        = errors.New("invalid filter")

	// Not Found Errors (404 Not Found).
	ErrFlowNotFound        = persistence.ErrFlowNotFound
	ErrObservationNotFound = persistence.ErrObservationNotFound

	// ErrDataUnavailable indicates the observation payload is missing from blob storage.
	ErrDataUnavailable = errors.New("observation data unavailable")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidFlowID) ||
		errors.Is(err, ErrInvalidObservationID) ||
		errors.Is(err, ErrInvalidFilter)
}

// IsNotFoundError checks if an error should return HTTP 404.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrObservationNotFound) ||
		errors.Is(err, ErrDataUnavailable)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
