package database

import "context"

// MembershipRepository is the relay's read-only view of study group
// membership held by the durable store.
type MembershipRepository interface {
	Ping(ctx context.Context) error
	IsMember(ctx context.Context, roomId, userId string) (bool, error)
	Close() error
}
