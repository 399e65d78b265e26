package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockMembershipRepository struct {
	mock.Mock
}

func (m *MockMembershipRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockMembershipRepository) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	args := m.Called(ctx, roomId, userId)
	return args.Bool(0), args.Error(1)
}

func (m *MockMembershipRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
