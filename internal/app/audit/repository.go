package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Details struct {
	Priority   string `json:"priority,omitempty"`
	HasDueDate bool   `json:"has_due_date"`
	Recurring  bool   `json:"recurring"`
	TagCount   int    `json:"tag_count,omitempty"`
}

type Entry struct {
	ID         int64     `json:"id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	TaskID     string    `json:"task_id"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordedAt time.Time `json:"recorded_at"`
	Source     string    `json:"source,omitempty"`
	Details    Details   `json:"details"`
}

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

// Insert appends the entry and reports whether it was new. A false return
// means the event_id was recorded before, which every caller treats as a
// completed delivery.
func (r *Repository) Insert(ctx context.Context, entry Entry) (bool, error) {
	tag, err := r.Pool.Exec(ctx,
		`INSERT INTO audit_log (event_id, event_type, task_id, user_id, occurred_at, source, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (event_id) DO NOTHING`,
		entry.EventID, entry.EventType, entry.TaskID, entry.UserID,
		entry.OccurredAt, entry.Source, entry.Details,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) ListByTask(ctx context.Context, taskID string, limit int) ([]Entry, error) {
	return r.list(ctx,
		`SELECT id, event_id, event_type, task_id, user_id, occurred_at, recorded_at, source, details
		 FROM audit_log
		 WHERE task_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		taskID, limit,
	)
}

func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error) {
	return r.list(ctx,
		`SELECT id, event_id, event_type, task_id, user_id, occurred_at, recorded_at, source, details
		 FROM audit_log
		 WHERE user_id = $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		userID, limit,
	)
}

func (r *Repository) list(ctx context.Context, sql, key string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, sql, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Entry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var entry Entry
	err := row.Scan(
		&entry.ID,
		&entry.EventID,
		&entry.EventType,
		&entry.TaskID,
		&entry.UserID,
		&entry.OccurredAt,
		&entry.RecordedAt,
		&entry.Source,
		&entry.Details,
	)
	return entry, err
}
