package models

import (
	"encoding/json"
	"time"
)

// FlowPayload is the immutable submission produced by a finished flow.
// It is the body of POST /flows and the content of an ingestion job.
type FlowPayload struct {
	Flow  FlowHeader    `json:"flow"  validate:"required"`
	Steps []StepPayload `json:"steps" validate:"dive"`
}

// FlowHeader carries the flow-level fields of a payload.
type FlowHeader struct {
	Name       string     `json:"name"       validate:"required,min=1"`
	CreatedAt  time.Time  `json:"createdAt"  validate:"required"`
	FinishedAt *time.Time `json:"finishedAt"`
}

// StepPayload is one step as submitted by a producer.
type StepPayload struct {
	Name         string               `json:"name"         validate:"required"`
	Version      int                  `json:"version"      validate:"gt=0"`
	Flow         string               `json:"flow"         validate:"required"`
	CreatedAt    time.Time            `json:"createdAt"    validate:"required"`
	Position     int                  `json:"position"     validate:"gte=0"`
	Status       StepStatus           `json:"status"       validate:"required"`
	Reason       string               `json:"reason"`
	StartedAt    *time.Time           `json:"startedAt"`
	FinishedAt   *time.Time           `json:"finishedAt"`
	Observations []ObservationPayload `json:"observations" validate:"dive"`
}

// ObservationPayload is one observation as submitted by a producer. Data is kept
// as raw JSON so it is stored byte-for-byte as the producer serialized it.
type ObservationPayload struct {
	Name      string          `json:"name"      validate:"required"`
	Version   int             `json:"version"   validate:"gt=0"`
	Step      string          `json:"step"      validate:"required"`
	Queryable Queryable       `json:"queryable"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

// ObservationCount returns the number of observations across all steps.
func (p *FlowPayload) ObservationCount() int {
	total := 0
	for _, step := range p.Steps {
		total += len(step.Observations)
	}

	return total
}
