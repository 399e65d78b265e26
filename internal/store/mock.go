package store

import (
	"context"

	"github.com/npezzotti/studygroup-relay/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) AppendMessage(ctx context.Context, params AppendMessageParams) (types.ChatMessage, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.ChatMessage), args.Error(1)
}
