package bus

import (
	"context"

	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockSubscriber struct {
	mock.Mock
}

func (m *MockSubscriber) Subscribe(ctx context.Context, handle func(types.Notification)) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

func (m *MockSubscriber) Close() error {
	args := m.Called()
	return args.Error(0)
}
