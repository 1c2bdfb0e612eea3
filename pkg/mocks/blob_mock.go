package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBlobStore is a mock implementation of blob.Store interface.
type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	args := m.Called(ctx, key, data)

	return args.String(0), args.Error(1)
}

func (m *MockBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockBlobStore) Location(key string) string {
	args := m.Called(key)

	return args.String(0)
}

func (m *MockBlobStore) Key(location string) (string, error) {
	args := m.Called(location)

	return args.String(0), args.Error(1)
}
