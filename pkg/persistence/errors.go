// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrFlowNotFound indicates a flow was not found by the given identifier.
	ErrFlowNotFound = errors.New("flow not found")

	// ErrObservationNotFound indicates an observation was not found in the given flow.
	ErrObservationNotFound = errors.New("observation not found")

	// ErrInvalidFlow indicates a flow graph that violates the store's constraints.
	ErrInvalidFlow = errors.New("invalid flow")
)

// FlowError wraps flow-related errors with additional context.
type FlowError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Ingest")
	FlowID string // Flow ID if applicable
	Err    error  // Underlying error
}

func (e *FlowError) Error() string {
	if e.FlowID == "" {
		return fmt.Sprintf("%s operation failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("%s operation failed for flow %s: %v", e.Op, e.FlowID, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for flow errors.
func (e *FlowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewFlowError creates a new flow error with context.
func NewFlowError(op, flowID string, err error) *FlowError {
	return &FlowError{
		Op:     op,
		FlowID: flowID,
		Err:    err,
	}
}

// IsFlowNotFound checks if an error indicates a flow was not found.
func IsFlowNotFound(err error) bool {
	return errors.Is(err, ErrFlowNotFound)
}

// IsObservationNotFound checks if an error indicates an observation was not found.
func IsObservationNotFound(err error) bool {
	return errors.Is(err, ErrObservationNotFound)
}
