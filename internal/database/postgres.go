package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const isMemberQuery = "SELECT EXISTS (SELECT 1 FROM study_group_members " +
	"WHERE study_group_id::text = $1 AND user_id::text = $2)"

type PgMembershipRepository struct {
	conn *sqlx.DB
}

// NewPgMembershipRepository opens the durable store. The caller registers the
// postgres driver (lib/pq).
func NewPgMembershipRepository(dsn string) (*PgMembershipRepository, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	return &PgMembershipRepository{conn: db}, nil
}

func (db *PgMembershipRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgMembershipRepository) IsMember(ctx context.Context, roomId, userId string) (bool, error) {
	var exists bool
	if err := db.conn.GetContext(ctx, &exists, isMemberQuery, roomId, userId); err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}

	return exists, nil
}

func (db *PgMembershipRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
