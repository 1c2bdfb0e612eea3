package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlow(name, key string, createdAt time.Time) *models.Flow {
	flowID := models.FlowID(name, key)
	stepID := models.StepID(flowID, 0)

	return &models.Flow{
		ID:             flowID,
		Name:           name,
		IdempotencyKey: key,
		CreatedAt:      createdAt,
		Steps: []*models.Step{
			{
				ID:        stepID,
				FlowID:    flowID,
				Name:      "fetch",
				Version:   1,
				Status:    models.StepStatusRunning,
				CreatedAt: createdAt,
				Observations: []*models.Observation{
					{
						ID:        models.ObservationID(stepID, "response", 1),
						StepID:    stepID,
						Name:      "response",
						Version:   1,
						BlobURL:   "file:///tmp/response.json",
						Queryable: models.Queryable{"id": models.QueryableString},
						CreatedAt: createdAt,
					},
				},
			},
		},
	}
}

func TestPersistence_HealthCheck(t *testing.T) {
	root := t.TempDir()

	assert.NoError(t, NewPersistence("file://"+root).HealthCheck(context.Background()))

	missing := filepath.Join(root, "missing")
	p := NewPersistence(missing)

	_, err := os.Stat(missing)
	require.NoError(t, err, "root is created on construction")

	require.NoError(t, os.RemoveAll(missing))
	assert.ErrorIs(t, p.HealthCheck(context.Background()), os.ErrNotExist)
}

func TestFlowRepository_Ingest(t *testing.T) {
	ctx := context.Background()
	repo := NewPersistence(t.TempDir()).FlowRepository()

	flow := newFlow("checkout", "key-1", time.Now().UTC())

	stored, created, err := repo.Ingest(ctx, flow)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, stored.StepCount)
	assert.Nil(t, stored.Steps)

	again, created, err := repo.Ingest(ctx, newFlow("checkout", "key-1", time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, flow.ID, again.ID)
	assert.True(t, flow.CreatedAt.Equal(again.CreatedAt))

	got, err := repo.GetByID(ctx, flow.ID)
	require.NoError(t, err)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	require.Len(t, got.Steps, 1)
	require.Len(t, got.Steps[0].Observations, 1)
	assert.Equal(t, models.QueryableString, got.Steps[0].Observations[0].Queryable["id"])
}

func TestFlowRepository_List(t *testing.T) {
	ctx := context.Background()
	repo := NewFlowRepository(t.TempDir())

	result, err := repo.List(ctx, persistence.ListFlowsOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Flows)
	assert.Equal(t, int64(0), result.TotalCount)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 3 {
		_, _, err := repo.Ingest(ctx, newFlow("flow", fmt.Sprintf("key-%d", i), base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	result, err = repo.List(ctx, persistence.ListFlowsOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.TotalCount)
	require.Len(t, result.Flows, 2)
	assert.Equal(t, models.FlowID("flow", "key-2"), result.Flows[0].ID)
	assert.Equal(t, models.FlowID("flow", "key-1"), result.Flows[1].ID)

	result, err = repo.List(ctx, persistence.ListFlowsOptions{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Empty(t, result.Flows)
}

func TestFlowRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewFlowRepository(t.TempDir())

	_, err := repo.GetByID(ctx, "missing")
	assert.True(t, persistence.IsFlowNotFound(err))

	_, err = repo.ObservationByID(ctx, "missing", "missing")
	assert.True(t, persistence.IsObservationNotFound(err))

	flow := newFlow("checkout", "key-1", time.Now().UTC())
	_, _, err = repo.Ingest(ctx, flow)
	require.NoError(t, err)

	observation, err := repo.ObservationByID(ctx, flow.ID, flow.Steps[0].Observations[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "response", observation.Name)

	_, err = repo.ObservationByID(ctx, flow.ID, "missing")
	assert.True(t, persistence.IsObservationNotFound(err))
}
