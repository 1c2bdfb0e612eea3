package trail

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
)

// Step is one stage of a flow. Locks are always taken flow first, then step.
type Step struct {
	flow      *Flow
	name      string
	version   int
	position  int
	createdAt time.Time

	mu           sync.Mutex
	status       models.StepStatus
	reason       string
	startedAt    *time.Time
	finishedAt   *time.Time
	observations []*Observation
	obsVersions  map[string]int
}

func (s *Step) Name() string {
	return s.name
}

func (s *Step) Version() int {
	return s.version
}

func (s *Step) Position() int {
	return s.position
}

func (s *Step) Status() models.StepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

func (s *Step) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason
}

func (s *Step) FinishedAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finishedAt
}

// Observations returns the captured observations in capture order.
func (s *Step) Observations() []*Observation {
	s.mu.Lock()
	defer s.mu.Unlock()

	observations := make([]*Observation, len(s.observations))
	copy(observations, s.observations)

	return observations
}

// Capture records a named snapshot of data. Repeated names get increasing
// versions. Payloads larger than models.MaxObservationSize once serialized are
// rejected with a *SizeExceededError and leave the step untouched.
func (s *Step) Capture(name string, data any, queryable models.Queryable) (*Observation, error) {
	if name == "" {
		return nil, fmt.Errorf("observation: %w", ErrInvalidName)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize observation %q: %w", name, err)
	}

	if len(raw) > models.MaxObservationSize {
		return nil, &SizeExceededError{Observation: name, Size: len(raw), Limit: models.MaxObservationSize}
	}

	for path, declared := range queryable {
		if declared != "" && !declared.IsValid() {
			return nil, fmt.Errorf("observation %q: invalid queryable type %q for %q", name, declared, path)
		}
	}

	s.flow.mu.Lock()
	defer s.flow.mu.Unlock()

	if s.flow.finishedAt != nil {
		return nil, ErrFlowFinished
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.obsVersions[name] + 1
	s.obsVersions[name] = version

	observation := &Observation{
		name:      name,
		version:   version,
		step:      s.name,
		queryable: cloneQueryable(queryable),
		data:      raw,
		createdAt: s.flow.now().UTC(),
	}

	s.observations = append(s.observations, observation)

	return observation, nil
}

// Finish records the final status of the step. Only the first call has an
// effect; later calls are ignored, even with a different status.
func (s *Step) Finish(status models.StepStatus, reason string) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStepStatus, status)
	}

	s.flow.mu.Lock()
	defer s.flow.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedAt != nil {
		return nil
	}

	if s.flow.finishedAt != nil {
		return ErrFlowFinished
	}

	now := s.flow.now().UTC()
	s.status = status
	s.reason = reason
	s.finishedAt = &now

	return nil
}

func (s *Step) payload() models.StepPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	observations := make([]models.ObservationPayload, 0, len(s.observations))
	for _, observation := range s.observations {
		observations = append(observations, observation.payload())
	}

	return models.StepPayload{
		Name:         s.name,
		Version:      s.version,
		Flow:         s.flow.name,
		CreatedAt:    s.createdAt,
		Position:     s.position,
		Status:       s.status,
		Reason:       s.reason,
		StartedAt:    s.startedAt,
		FinishedAt:   s.finishedAt,
		Observations: observations,
	}
}

func cloneQueryable(queryable models.Queryable) models.Queryable {
	if queryable == nil {
		return nil
	}

	clone := make(models.Queryable, len(queryable))
	for path, declared := range queryable {
		clone[path] = declared
	}

	return clone
}
