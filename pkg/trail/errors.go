package trail

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName indicates an empty flow, step or observation name.
	ErrInvalidName = errors.New("name is required")

	// ErrInvalidStepStatus indicates a step was finished with an unknown status.
	ErrInvalidStepStatus = errors.New("invalid step status")

	// ErrSizeExceeded indicates an observation payload is larger than models.MaxObservationSize.
	ErrSizeExceeded = errors.New("observation size exceeded")

	// ErrFlowFinished indicates a mutation was attempted on a finished flow.
	ErrFlowFinished = errors.New("flow is finished")

	// ErrFlowAlreadyFinished indicates Flow.Finish was called more than once.
	ErrFlowAlreadyFinished = errors.New("flow already finished")
)

// SizeExceededError reports the offending size of a rejected observation.
type SizeExceededError struct {
	Observation string
	Size        int
	Limit       int
}

func (e *SizeExceededError) Error() string {
	return fmt.Sprintf("observation %q size %d bytes exceeds maximum of %d bytes", e.Observation, e.Size, e.Limit)
}

func (e *SizeExceededError) Unwrap() error {
	return ErrSizeExceeded
}
