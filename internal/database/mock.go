package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockContentStore struct {
	mock.Mock
}

func (m *MockContentStore) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockContentStore) FetchIds(ctx context.Context, challengeType string, multiplayer bool) ([]string, error) {
	args := m.Called(ctx, challengeType, multiplayer)
	if ids, ok := args.Get(0).([]string); ok {
		return ids, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContentStore) FetchById(ctx context.Context, id string) (Challenge, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Challenge), args.Error(1)
}
