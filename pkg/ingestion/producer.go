// Package ingestion turns submitted flow payloads into persisted flows: the
// producer enqueues them and the processor offloads observation data to blob
// storage before committing the metadata in one transaction.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/queue"
)

var ErrMissingIdempotencyKey = errors.New("idempotency key is required")

// IngestionJob is the content of a queued ingestion job.
type IngestionJob struct {
	Payload        models.FlowPayload `json:"payload"`
	IdempotencyKey string             `json:"idempotencyKey"`
}

// Enqueuer is the queue side the producer writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, data []byte) (bool, error)
}

// Producer submits flow payloads to the ingestion queue.
type Producer struct {
	queue  Enqueuer
	logger *slog.Logger
}

func NewProducer(queue Enqueuer, logger *slog.Logger) *Producer {
	return &Producer{queue: queue, logger: logger}
}

// Enqueue queues payload under the job id derived from the flow name and key.
// accepted is false when a job with the same id is already known, in which
// case the submission collapses into it.
func (p *Producer) Enqueue(ctx context.Context, payload *models.FlowPayload, key string) (bool, error) {
	if key == "" {
		return false, ErrMissingIdempotencyKey
	}

	data, err := json.Marshal(IngestionJob{Payload: *payload, IdempotencyKey: key})
	if err != nil {
		return false, fmt.Errorf("failed to marshal ingestion job: %w", err)
	}

	jobID := queue.JobID(payload.Flow.Name, key)

	accepted, err := p.queue.Enqueue(ctx, jobID, data)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue flow %q: %w", payload.Flow.Name, err)
	}

	if accepted {
		p.logger.InfoContext(ctx, "Flow queued for ingestion",
			"flow_name", payload.Flow.Name,
			"job_id", jobID,
			"steps", len(payload.Steps),
			"observations", payload.ObservationCount(),
		)
	} else {
		p.logger.InfoContext(ctx, "Duplicate flow submission collapsed", "flow_name", payload.Flow.Name, "job_id", jobID)
	}

	return accepted, nil
}
