package mocks

import (
	"context"

	"github.com/dukex/flowtrail/pkg/models"
	"github.com/dukex/flowtrail/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockFlowRepository is a mock implementation of persistence.FlowRepository interface.
type MockFlowRepository struct {
	mock.Mock
}

func (m *MockFlowRepository) Ingest(ctx context.Context, flow *models.Flow) (*models.Flow, bool, error) {
	args := m.Called(ctx, flow)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}

	return args.Get(0).(*models.Flow), args.Bool(1), args.Error(2)
}

func (m *MockFlowRepository) List(ctx context.Context, opts persistence.ListFlowsOptions) (*persistence.FlowListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.FlowListResult), args.Error(1)
}

func (m *MockFlowRepository) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Flow), args.Error(1)
}

func (m *MockFlowRepository) ObservationByID(ctx context.Context, flowID, observationID string) (*models.Observation, error) {
	args := m.Called(ctx, flowID, observationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Observation), args.Error(1)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	Flows *MockFlowRepository
}

func NewMockPersistence() *MockPersistence {
	return &MockPersistence{Flows: &MockFlowRepository{}}
}

func (m *MockPersistence) FlowRepository() persistence.FlowRepository {
	return m.Flows
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
