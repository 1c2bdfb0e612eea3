package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/dukex/flowtrail/pkg/cache"
	"github.com/dukex/flowtrail/pkg/filter"
	"github.com/dukex/flowtrail/pkg/mocks"
	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/dukex/flowtrail/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	service *Flow
	store   *blob.FileStore
	flow    *models.Flow
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newFixture stores one flow whose single step holds an array observation
// with declared queryable fields and an object observation.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	store, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	p := file.NewPersistence(t.TempDir())

	flowID := models.FlowID("search", "key-1")
	stepID := models.StepID(flowID, 0)
	now := time.Now().UTC()

	items := models.Observation{
		ID:      models.ObservationID(stepID, "results", 1),
		StepID:  stepID,
		Name:    "results",
		Version: 1,
		Queryable: models.Queryable{
			"score":        models.QueryableNumber,
			"meta.visible": models.QueryableBoolean,
			"title":        models.QueryableString,
		},
		CreatedAt: now,
	}
	summary := models.Observation{
		ID:        models.ObservationID(stepID, "summary", 1),
		StepID:    stepID,
		Name:      "summary",
		Version:   1,
		Position:  1,
		Queryable: models.Queryable{"count": models.QueryableNumber},
		CreatedAt: now,
	}

	items.BlobURL, err = store.Put(ctx, blob.ObservationKey(flowID, stepID, "results", 1), []byte(
		`[{"title":"a","score":5,"meta":{"visible":true}},{"title":"b","score":"12","meta":{"visible":false}},{"title":"c","score":20}]`,
	))
	require.NoError(t, err)

	summary.BlobURL, err = store.Put(ctx, blob.ObservationKey(flowID, stepID, "summary", 1), []byte(`{"count":3}`))
	require.NoError(t, err)

	flow := &models.Flow{
		ID:             flowID,
		Name:           "search",
		IdempotencyKey: "key-1",
		CreatedAt:      now,
		Steps: []*models.Step{
			{
				ID:           stepID,
				FlowID:       flowID,
				Name:         "query",
				Version:      1,
				Status:       models.StepStatusCompleted,
				CreatedAt:    now,
				Observations: []*models.Observation{&items, &summary},
			},
		},
	}

	_, _, err = p.FlowRepository().Ingest(ctx, flow)
	require.NoError(t, err)

	return &fixture{
		service: NewFlow(p, store, cache.New(nil, store, testLogger()), testLogger()),
		store:   store,
		flow:    flow,
	}
}

func TestFlow_HealthCheck(t *testing.T) {
	f := newFixture(t)

	message, ok := f.service.HealthCheck(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Persistence layer is healthy", message)

	_, ok = NewFlow(nil, nil, nil, testLogger()).HealthCheck(context.Background())
	assert.False(t, ok)
}

func TestFlow_ListFlows(t *testing.T) {
	p := mocks.NewMockPersistence()
	service := NewFlow(p, nil, nil, testLogger())

	p.Flows.On("List", mock.Anything, persistence.ListFlowsOptions{Limit: 100, Offset: 200}).
		Return(&persistence.FlowListResult{Flows: []*models.Flow{}, TotalCount: 250}, nil)
	p.Flows.On("List", mock.Anything, persistence.ListFlowsOptions{Limit: 20, Offset: 0}).
		Return(&persistence.FlowListResult{Flows: []*models.Flow{{ID: "a"}}, TotalCount: 1}, nil)

	response, err := service.ListFlows(context.Background(), ListFlowsRequest{Page: 3, Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, models.Pagination{Total: 250, Page: 3, Limit: 100, TotalPages: 3}, response.Pagination)

	response, err = service.ListFlows(context.Background(), ListFlowsRequest{})
	require.NoError(t, err)
	assert.Len(t, response.Flows, 1)
	assert.Equal(t, models.Pagination{Total: 1, Page: 1, Limit: 20, TotalPages: 1}, response.Pagination)

	p.Flows.AssertExpectations(t)
}

func TestFlow_GetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	flow, err := f.service.GetFlow(ctx, f.flow.ID)
	require.NoError(t, err)
	require.Len(t, flow.Steps, 1)
	assert.Nil(t, flow.Steps[0].Observations[0].Data)

	_, err = f.service.GetFlow(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidFlowID)
	assert.True(t, IsValidationError(err))

	_, err = f.service.GetFlow(ctx, models.FlowID("missing", "missing"))
	assert.ErrorIs(t, err, ErrFlowNotFound)
	assert.True(t, IsNotFoundError(err))
}

func TestFlow_GetFlowDetails(t *testing.T) {
	f := newFixture(t)

	flow, err := f.service.GetFlowDetails(context.Background(), f.flow.ID)
	require.NoError(t, err)

	observations := flow.Steps[0].Observations
	require.Len(t, observations, 2)
	assert.True(t, json.Valid(observations[0].Data))
	assert.JSONEq(t, `{"count":3}`, string(observations[1].Data))
}

func TestFlow_GetFlowDetails_MissingBlob(t *testing.T) {
	p := mocks.NewMockPersistence()
	store := &mocks.MockBlobStore{}
	flowID := models.FlowID("f", "k")

	flow := &models.Flow{
		ID: flowID,
		Steps: []*models.Step{{
			Observations: []*models.Observation{{ID: "o1", BlobURL: "file:///gone.json"}},
		}},
	}

	p.Flows.On("GetByID", mock.Anything, flowID).Return(flow, nil)
	store.On("Key", "file:///gone.json").Return("gone.json", nil)
	store.On("Get", mock.Anything, "gone.json").Return(nil, blob.ErrNotFound)

	service := NewFlow(p, store, cache.New(nil, store, testLogger()), testLogger())

	details, err := service.GetFlowDetails(context.Background(), flowID)
	require.NoError(t, err)
	assert.Equal(t, "null", string(details.Steps[0].Observations[0].Data))
}

func TestFlow_GetFlowDetails_StoreFailure(t *testing.T) {
	p := mocks.NewMockPersistence()
	store := &mocks.MockBlobStore{}
	flowID := models.FlowID("f", "k")

	p.Flows.On("GetByID", mock.Anything, flowID).Return(&models.Flow{
		ID:    flowID,
		Steps: []*models.Step{{Observations: []*models.Observation{{ID: "o1", BlobURL: "s3://b/k"}}}},
	}, nil)
	store.On("Key", "s3://b/k").Return("k", nil)
	store.On("Get", mock.Anything, "k").Return(nil, errors.New("access denied"))

	service := NewFlow(p, store, cache.New(nil, store, testLogger()), testLogger())

	_, err := service.GetFlowDetails(context.Background(), flowID)
	assert.ErrorContains(t, err, "access denied")
}

func TestFlow_ObservationData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	summary := f.flow.Steps[0].Observations[1]

	data, err := f.service.ObservationData(ctx, f.flow.ID, summary.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"count":3}`, string(data))

	_, err = f.service.ObservationData(ctx, f.flow.ID, "bad")
	assert.ErrorIs(t, err, ErrInvalidObservationID)

	_, err = f.service.ObservationData(ctx, f.flow.ID, models.FlowID("x", "y"))
	assert.ErrorIs(t, err, ErrObservationNotFound)
}

func TestFlow_FilterObservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	results := f.flow.Steps[0].Observations[0]

	tests := []struct {
		name    string
		filters []filter.Predicate
		titles  []string
	}{
		{name: "no filters", filters: nil, titles: []string{"a", "b", "c"}},
		{
			name:    "numeric string is coerced",
			filters: []filter.Predicate{{Path: "score", Operator: filter.OperatorGte, Value: 10, Type: models.QueryableNumber}},
			titles:  []string{"b", "c"},
		},
		{
			name: "and semantics over nested paths",
			filters: []filter.Predicate{
				{Path: "score", Operator: filter.OperatorLt, Value: 15, Type: models.QueryableNumber},
				{Path: "meta.visible", Operator: filter.OperatorEq, Value: true, Type: models.QueryableBoolean},
			},
			titles: []string{"a"},
		},
		{
			name:    "string equality",
			filters: []filter.Predicate{{Path: "title", Operator: filter.OperatorEq, Value: "c", Type: models.QueryableString}},
			titles:  []string{"c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response, err := f.service.FilterObservation(ctx, f.flow.ID, results.ID, FilterRequest{Filters: tt.filters})
			require.NoError(t, err)
			assert.Equal(t, 3, response.Total)
			assert.Equal(t, len(tt.titles), response.Matched)

			titles := make([]string, 0, len(response.Items))
			for _, item := range response.Items {
				titles = append(titles, fmt.Sprint(item.(map[string]any)["title"]))
			}

			assert.Equal(t, tt.titles, titles)
		})
	}
}

func TestFlow_FilterObservation_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	results := f.flow.Steps[0].Observations[0]
	summary := f.flow.Steps[0].Observations[1]

	tests := []struct {
		name          string
		observationID string
		filters       []filter.Predicate
		code          string
	}{
		{
			name:          "unknown operator",
			observationID: results.ID,
			filters:       []filter.Predicate{{Path: "score", Operator: "ne", Value: 1, Type: models.QueryableNumber}},
			code:          "INVALID_FILTER",
		},
		{
			name:          "undeclared field",
			observationID: results.ID,
			filters:       []filter.Predicate{{Path: "rank", Operator: filter.OperatorEq, Value: 1, Type: models.QueryableNumber}},
			code:          "FIELD_NOT_QUERYABLE",
		},
		{
			name:          "type mismatch",
			observationID: results.ID,
			filters:       []filter.Predicate{{Path: "title", Operator: filter.OperatorEq, Value: 1, Type: models.QueryableNumber}},
			code:          "TYPE_MISMATCH",
		},
		{
			name:          "object payload",
			observationID: summary.ID,
			filters:       []filter.Predicate{{Path: "count", Operator: filter.OperatorEq, Value: 3, Type: models.QueryableNumber}},
			code:          "NOT_AN_ARRAY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.FilterObservation(ctx, f.flow.ID, tt.observationID, FilterRequest{Filters: tt.filters})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidFilter)

			var serviceErr *ServiceError
			require.ErrorAs(t, err, &serviceErr)
			assert.Equal(t, tt.code, serviceErr.Code)
		})
	}
}
