// Package events defines event types and structures for flow ingestion lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the watermill topic all flow lifecycle events are published to.
const Topic = "flowtrail.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	FlowIngestedEvent        EventType = "flow.ingested"
	FlowIngestionFailedEvent EventType = "flow.ingestion_failed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowName  string         `json:"flow_name"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func newBaseEvent(eventType EventType, flowName, workerID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowName:  flowName,
		WorkerID:  workerID,
	}
}

// FlowIngested is published once a flow has been committed to the metadata
// store. Created is false when the submission was a duplicate.
type FlowIngested struct {
	BaseEvent

	FlowID           string `json:"flow_id"`
	Created          bool   `json:"created"`
	StepCount        int    `json:"step_count"`
	ObservationCount int    `json:"observation_count"`
	DurationMs       int64  `json:"duration_ms"`
}

func NewFlowIngested(flowName, workerID, flowID string, created bool, steps, observations int, duration time.Duration) *FlowIngested {
	return &FlowIngested{
		BaseEvent:        newBaseEvent(FlowIngestedEvent, flowName, workerID),
		FlowID:           flowID,
		Created:          created,
		StepCount:        steps,
		ObservationCount: observations,
		DurationMs:       duration.Milliseconds(),
	}
}

func (f FlowIngested) GetType() EventType {
	return FlowIngestedEvent
}

// FlowIngestionFailed is published when an ingestion job is parked after its
// last attempt.
type FlowIngestionFailed struct {
	BaseEvent

	JobID    string `json:"job_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

func NewFlowIngestionFailed(flowName, workerID, jobID string, attempts int, err error) *FlowIngestionFailed {
	message := ""
	if err != nil {
		message = err.Error()
	}

	return &FlowIngestionFailed{
		BaseEvent: newBaseEvent(FlowIngestionFailedEvent, flowName, workerID),
		JobID:     jobID,
		Attempts:  attempts,
		Error:     message,
	}
}

func (f FlowIngestionFailed) GetType() EventType {
	return FlowIngestionFailedEvent
}
