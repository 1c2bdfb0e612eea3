// Package persistence provides the metadata store abstraction for recorded flows.
package persistence

import (
	"context"

	"github.com/dukex/flowtrail/pkg/models"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type Persistence interface {
	FlowRepository() FlowRepository
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// FlowRepository stores flows together with their steps and observation
// metadata. Observation payloads are never stored here, only their blob URL.
type FlowRepository interface {
	// Ingest stores flow, its steps and observations atomically. When a flow
	// with the same (name, idempotency key) exists, it is returned unchanged
	// and created is false.
	Ingest(ctx context.Context, flow *models.Flow) (stored *models.Flow, created bool, err error)

	// List returns flow headers, newest first, with their step counts.
	List(ctx context.Context, opts ListFlowsOptions) (*FlowListResult, error)

	// GetByID returns a flow with its steps ordered by position and each step's
	// observations in capture order.
	GetByID(ctx context.Context, id string) (*models.Flow, error)

	// ObservationByID returns an observation of the given flow.
	ObservationByID(ctx context.Context, flowID, observationID string) (*models.Observation, error)
}

// ListFlowsOptions contains pagination options for listing flows.
type ListFlowsOptions struct {
	Limit  int
	Offset int
}

// Normalize applies the default and maximum limit.
func (o ListFlowsOptions) Normalize() ListFlowsOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}

	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}

	if o.Offset < 0 {
		o.Offset = 0
	}

	return o
}

// FlowListResult contains a page of flows and the total number of flows.
type FlowListResult struct {
	Flows      []*models.Flow
	TotalCount int64
}
