package sandbox

import (
	"context"

	"github.com/npezzotti/go-codearena/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, req RunRequest) (types.ExecutionResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.ExecutionResult), args.Error(1)
}
