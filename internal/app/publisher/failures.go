package publisher

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Failure is the reconciliation record for an envelope the broker never
// accepted. The payload column keeps the marshaled envelope verbatim so a
// replay publishes exactly what the API meant to send.
type Failure struct {
	ID          int64
	EventID     string
	EventType   string
	TaskID      string
	UserID      string
	Subject     string
	Payload     []byte
	LastError   string
	FailedAt    time.Time
	Republished *time.Time
}

type FailureRepository struct {
	Pool *pgxpool.Pool
}

func NewFailureRepository(pool *pgxpool.Pool) *FailureRepository {
	return &FailureRepository{Pool: pool}
}

func (r *FailureRepository) Record(ctx context.Context, f Failure) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO publish_failures (event_id, event_type, task_id, user_id, subject, payload, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.EventID, f.EventType, f.TaskID, f.UserID, f.Subject, f.Payload, f.LastError,
	)
	return err
}

// ListPending returns failures that have not been republished, oldest first.
func (r *FailureRepository) ListPending(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, event_id, event_type, task_id, user_id, subject, payload, last_error, failed_at, republished_at
		 FROM publish_failures
		 WHERE republished_at IS NULL
		 ORDER BY failed_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Failure, 0, limit)
	for rows.Next() {
		var f Failure
		if err := rows.Scan(
			&f.ID,
			&f.EventID,
			&f.EventType,
			&f.TaskID,
			&f.UserID,
			&f.Subject,
			&f.Payload,
			&f.LastError,
			&f.FailedAt,
			&f.Republished,
		); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *FailureRepository) MarkRepublished(ctx context.Context, id int64, at time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE publish_failures
		 SET republished_at = $2
		 WHERE id = $1`,
		id, at,
	)
	return err
}
