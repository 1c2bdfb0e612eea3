package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryable_NullRoundTrips(t *testing.T) {
	var queryable Queryable

	err := json.Unmarshal([]byte(`{"a.b":"number","c":null,"d":"boolean"}`), &queryable)
	require.NoError(t, err)

	assert.Equal(t, QueryableNumber, queryable["a.b"])
	assert.Equal(t, QueryableType(""), queryable["c"])

	declared, ok := queryable.Lookup("c")
	assert.False(t, ok)
	assert.Empty(t, declared)

	declared, ok = queryable.Lookup("d")
	assert.True(t, ok)
	assert.Equal(t, QueryableBoolean, declared)

	encoded, err := json.Marshal(queryable)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a.b":"number","c":null,"d":"boolean"}`, string(encoded))
}

func TestQueryable_RejectsUnknownType(t *testing.T) {
	var queryable Queryable

	err := json.Unmarshal([]byte(`{"a":"date"}`), &queryable)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"a":1}`), &queryable)
	require.Error(t, err)
}

func TestParseStepStatus(t *testing.T) {
	for _, raw := range []string{"pending", "running", "completed", "failed"} {
		status, err := ParseStepStatus(raw)
		require.NoError(t, err)
		assert.Equal(t, raw, string(status))
	}

	_, err := ParseStepStatus("done")
	require.Error(t, err)
}

func TestNewPagination(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		limit    int
		expected int
	}{
		{name: "empty", total: 0, limit: 20, expected: 0},
		{name: "exact", total: 40, limit: 20, expected: 2},
		{name: "partial", total: 41, limit: 20, expected: 3},
		{name: "no limit", total: 10, limit: 0, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pagination := NewPagination(tt.total, 1, tt.limit)
			assert.Equal(t, tt.expected, pagination.TotalPages)
			assert.Equal(t, tt.total, pagination.Total)
		})
	}
}

func TestFlowPayload_ObservationCount(t *testing.T) {
	payload := &FlowPayload{
		Steps: []StepPayload{
			{Observations: make([]ObservationPayload, 2)},
			{},
			{Observations: make([]ObservationPayload, 3)},
		},
	}

	assert.Equal(t, 5, payload.ObservationCount())
}

func TestDerivedIdentifiers(t *testing.T) {
	flowID := FlowID("pipeline", "key-1")

	assert.Equal(t, flowID, FlowID("pipeline", "key-1"))
	assert.NotEqual(t, flowID, FlowID("pipeline", "key-2"))
	assert.NotEqual(t, FlowID("a:b", "c"), FlowID("a", "b:c"))

	stepID := StepID(flowID, 0)
	assert.Equal(t, stepID, StepID(flowID, 0))
	assert.NotEqual(t, stepID, StepID(flowID, 1))

	observationID := ObservationID(stepID, "input", 1)
	assert.Equal(t, observationID, ObservationID(stepID, "input", 1))
	assert.NotEqual(t, observationID, ObservationID(stepID, "input", 2))
	assert.NotEqual(t, observationID, ObservationID(StepID(flowID, 1), "input", 1))
}
