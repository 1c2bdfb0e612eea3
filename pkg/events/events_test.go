package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowIngested_JSONSerialization(t *testing.T) {
	original := NewFlowIngested("checkout", "worker-1", "flow-123", true, 3, 7, 1500*time.Millisecond)

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"type":"flow.ingested"`)
	assert.Contains(t, string(jsonData), `"flow_id":"flow-123"`)
	assert.Contains(t, string(jsonData), `"duration_ms":1500`)

	var deserialized FlowIngested

	err = json.Unmarshal(jsonData, &deserialized)
	require.NoError(t, err)

	assert.Equal(t, original.ID, deserialized.ID)
	assert.Equal(t, "checkout", deserialized.FlowName)
	assert.Equal(t, "worker-1", deserialized.WorkerID)
	assert.True(t, deserialized.Created)
	assert.Equal(t, 3, deserialized.StepCount)
	assert.Equal(t, 7, deserialized.ObservationCount)
	assert.Equal(t, FlowIngestedEvent, deserialized.GetType())
}

func TestNewFlowIngestionFailed(t *testing.T) {
	event := NewFlowIngestionFailed("checkout", "worker-1", "8:checkout:key", 5, errors.New("upload failed"))

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, FlowIngestionFailedEvent, event.Type)
	assert.Equal(t, FlowIngestionFailedEvent, event.GetType())
	assert.Equal(t, "upload failed", event.Error)
	assert.Equal(t, 5, event.Attempts)
	assert.False(t, event.Timestamp.IsZero())

	assert.Empty(t, NewFlowIngestionFailed("checkout", "", "job", 1, nil).Error)
}
