package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowtrail/pkg/blob"
	"github.com/dukex/flowtrail/pkg/cache"
	"github.com/dukex/flowtrail/pkg/filter"
	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPage  = 1
	DefaultLimit = persistence.DefaultListLimit
	MaxLimit     = persistence.MaxListLimit

	// DefaultDataConcurrency bounds the parallel payload loads of a detail read.
	DefaultDataConcurrency = 16
)

type Flow struct {
	persistence persistence.Persistence
	store       blob.Store
	cache       *cache.ObservationCache
	logger      *slog.Logger
}

// NewFlow creates a new flow service. Observation payloads are read from
// store through cache.
func NewFlow(persistence persistence.Persistence, store blob.Store, cache *cache.ObservationCache, logger *slog.Logger) *Flow {
	return &Flow{
		persistence: persistence,
		store:       store,
		cache:       cache,
		logger:      logger,
	}
}

// HealthCheck checks the health of the persistence layer.
func (f *Flow) HealthCheck(ctx context.Context) (string, bool) {
	if f.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := f.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ListFlowsRequest contains pagination options for listing flows.
type ListFlowsRequest struct {
	Page  int
	Limit int
}

// ListFlowsResponse contains a page of flow headers.
type ListFlowsResponse struct {
	Flows      []*models.Flow    `json:"flows"`
	Pagination models.Pagination `json:"pagination"`
}

// ListFlows returns flow headers, newest first. Out of range pages and limits
// are clamped to the defaults.
func (f *Flow) ListFlows(ctx context.Context, req ListFlowsRequest) (*ListFlowsResponse, error) {
	if req.Page < 1 {
		req.Page = DefaultPage
	}

	if req.Limit < 1 {
		req.Limit = DefaultLimit
	}

	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}

	result, err := f.persistence.FlowRepository().List(ctx, persistence.ListFlowsOptions{
		Limit:  req.Limit,
		Offset: (req.Page - 1) * req.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	return &ListFlowsResponse{
		Flows:      result.Flows,
		Pagination: models.NewPagination(int(result.TotalCount), req.Page, req.Limit),
	}, nil
}

// GetFlow returns a flow with its steps and observation metadata.
func (f *Flow) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	if err := validateID(id, ErrInvalidFlowID); err != nil {
		return nil, err
	}

	flow, err := f.persistence.FlowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}

	return flow, nil
}

// GetFlowDetails returns the flow with every observation's data loaded.
// Observations whose payload is missing from blob storage keep a null data.
func (f *Flow) GetFlowDetails(ctx context.Context, id string) (*models.Flow, error) {
	flow, err := f.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(DefaultDataConcurrency)

	for _, step := range flow.Steps {
		for _, observation := range step.Observations {
			group.Go(func() error {
				data, err := f.loadData(groupCtx, observation)
				if errors.Is(err, ErrDataUnavailable) {
					f.logger.WarnContext(groupCtx, "Observation data missing",
						"flow_id", flow.ID,
						"observation_id", observation.ID,
						"blob_url", observation.BlobURL,
					)

					observation.Data = json.RawMessage("null")

					return nil
				}

				if err != nil {
					return err
				}

				observation.Data = data

				return nil
			})
		}
	}

	if err := group.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load observation data: %w", err)
	}

	return flow, nil
}

// ObservationData returns the raw payload of one observation.
func (f *Flow) ObservationData(ctx context.Context, flowID, observationID string) (json.RawMessage, error) {
	observation, err := f.observation(ctx, flowID, observationID)
	if err != nil {
		return nil, err
	}

	return f.loadData(ctx, observation)
}

// FilterRequest holds the predicates applied to an observation payload.
type FilterRequest struct {
	Filters []filter.Predicate `json:"filters" validate:"dive"`
}

// FilterResponse contains the matching items, in payload order.
type FilterResponse struct {
	Items   []any `json:"items"`
	Total   int   `json:"total"`
	Matched int   `json:"matched"`
}

// FilterObservation applies the predicates to an array-shaped observation
// payload. Every predicate must target a field the observation declared
// queryable, with the declared type.
func (f *Flow) FilterObservation(ctx context.Context, flowID, observationID string, req FilterRequest) (*FilterResponse, error) {
	if err := filter.Validate(req.Filters); err != nil {
		return nil, NewValidationError("FilterObservation", "INVALID_FILTER", err.Error(), ErrInvalidFilter)
	}

	observation, err := f.observation(ctx, flowID, observationID)
	if err != nil {
		return nil, err
	}

	for _, predicate := range req.Filters {
		declared, ok := observation.Queryable.Lookup(predicate.Path)
		if !ok {
			return nil, NewValidationError("FilterObservation", "FIELD_NOT_QUERYABLE",
				fmt.Sprintf("field %q is not queryable", predicate.Path), ErrInvalidFilter)
		}

		if declared != predicate.Type {
			return nil, NewValidationError("FilterObservation", "TYPE_MISMATCH",
				fmt.Sprintf("field %q is declared as %s, not %s", predicate.Path, declared, predicate.Type), ErrInvalidFilter)
		}
	}

	data, err := f.loadData(ctx, observation)
	if err != nil {
		return nil, err
	}

	items, total, err := filter.ApplyJSON(data, req.Filters)
	if errors.Is(err, filter.ErrNotArray) {
		return nil, NewValidationError("FilterObservation", "NOT_AN_ARRAY", err.Error(), ErrInvalidFilter)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to filter observation %s: %w", observationID, err)
	}

	return &FilterResponse{Items: items, Total: total, Matched: len(items)}, nil
}

func (f *Flow) observation(ctx context.Context, flowID, observationID string) (*models.Observation, error) {
	if err := validateID(flowID, ErrInvalidFlowID); err != nil {
		return nil, err
	}

	if err := validateID(observationID, ErrInvalidObservationID); err != nil {
		return nil, err
	}

	observation, err := f.persistence.FlowRepository().ObservationByID(ctx, flowID, observationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get observation: %w", err)
	}

	return observation, nil
}

func (f *Flow) loadData(ctx context.Context, observation *models.Observation) (json.RawMessage, error) {
	data, err := f.cache.Get(ctx, observation.BlobURL, f.store.Get)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: observation %s", ErrDataUnavailable, observation.ID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read observation %s: %w", observation.ID, err)
	}

	return data, nil
}

func validateID(id string, invalid error) error {
	if _, err := uuid.Parse(id); err != nil {
		return NewValidationError("validateID", "INVALID_ID", fmt.Sprintf("%q is not a valid uuid", id), invalid)
	}

	return nil
}
