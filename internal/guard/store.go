package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a guard backed by the dedup_keys table, shared by every API
// replica. The insert either lands the key, takes over an expired one, or
// hits the conflict with a live entry; rows affected distinguishes the
// duplicate case without a separate read.
type Store struct {
	pool *pgxpool.Pool

	Now func() time.Time
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		Now:  time.Now,
	}
}

const checkAndRecordSQL = `
INSERT INTO dedup_keys (key, expires_at, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (key) DO UPDATE
SET expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at
WHERE dedup_keys.expires_at <= $3`

func (s *Store) CheckAndRecord(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	now := s.Now()

	expiresAt := pgtype.Timestamptz{Time: now.Add(ttl), Valid: true}
	if ttl <= 0 {
		expiresAt = pgtype.Timestamptz{InfinityModifier: pgtype.Infinity, Valid: true}
	}

	tag, err := s.pool.Exec(ctx, checkAndRecordSQL, key, expiresAt, now)
	if err != nil {
		return Fresh, fmt.Errorf("record dedup key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Duplicate, nil
	}
	return Fresh, nil
}
