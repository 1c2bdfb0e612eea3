package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("error checking functions work correctly", func(t *testing.T) {
		flowErr := persistence.NewFlowError("GetByID", "flow-123", persistence.ErrFlowNotFound)
		observationErr := persistence.NewFlowError("ObservationByID", "flow-123", persistence.ErrObservationNotFound)

		assert.True(t, persistence.IsFlowNotFound(flowErr))
		assert.False(t, persistence.IsFlowNotFound(observationErr))
		assert.True(t, persistence.IsObservationNotFound(observationErr))

		wrapped := fmt.Errorf("service: %w", flowErr)
		assert.True(t, errors.Is(wrapped, persistence.ErrFlowNotFound))

		var target *persistence.FlowError
		assert.True(t, errors.As(wrapped, &target))
		assert.Equal(t, "GetByID", target.Op)
	})

	t.Run("flow error contains context", func(t *testing.T) {
		err := persistence.NewFlowError("Ingest", "flow-123", persistence.ErrInvalidFlow)

		assert.Contains(t, err.Error(), "Ingest")
		assert.Contains(t, err.Error(), "flow-123")
		assert.Contains(t, err.Error(), "invalid flow")

		assert.Equal(t, "List operation failed: boom", persistence.NewFlowError("List", "", errors.New("boom")).Error())
	})
}

func TestListFlowsOptions_Normalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, persistence.ListFlowsOptions{Limit: 20}, persistence.ListFlowsOptions{}.Normalize())
	assert.Equal(t, persistence.ListFlowsOptions{Limit: 100, Offset: 0}, persistence.ListFlowsOptions{Limit: 500, Offset: -1}.Normalize())
	assert.Equal(t, persistence.ListFlowsOptions{Limit: 5, Offset: 10}, persistence.ListFlowsOptions{Limit: 5, Offset: 10}.Normalize())
}
