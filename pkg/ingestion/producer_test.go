package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	jobs map[string][]byte
	err  error
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, id string, data []byte) (bool, error) {
	if r.err != nil {
		return false, r.err
	}

	if _, ok := r.jobs[id]; ok {
		return false, nil
	}

	r.jobs[id] = data

	return true, nil
}

func TestProducer_Enqueue(t *testing.T) {
	enqueuer := &recordingEnqueuer{jobs: make(map[string][]byte)}
	producer := NewProducer(enqueuer, slog.Default())
	payload := &models.FlowPayload{Flow: models.FlowHeader{Name: "checkout"}}

	accepted, err := producer.Enqueue(context.Background(), payload, "key-1")
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = producer.Enqueue(context.Background(), payload, "key-1")
	require.NoError(t, err)
	assert.False(t, accepted)

	data, ok := enqueuer.jobs[queue.JobID("checkout", "key-1")]
	require.True(t, ok)

	var job IngestionJob
	require.NoError(t, json.Unmarshal(data, &job))
	assert.Equal(t, "key-1", job.IdempotencyKey)
	assert.Equal(t, "checkout", job.Payload.Flow.Name)
}

func TestProducer_EnqueueErrors(t *testing.T) {
	payload := &models.FlowPayload{Flow: models.FlowHeader{Name: "checkout"}}

	_, err := NewProducer(&recordingEnqueuer{jobs: map[string][]byte{}}, slog.Default()).Enqueue(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrMissingIdempotencyKey)

	broken := &recordingEnqueuer{err: errors.New("redis down")}
	_, err = NewProducer(broken, slog.Default()).Enqueue(context.Background(), payload, "key")
	assert.ErrorContains(t, err, "redis down")
}
