package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const reminderColumns = `id, task_id, user_id, fire_at, status, attempt_count,
	        next_attempt_at, last_error, created_at, updated_at`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) Create(ctx context.Context, rem Reminder) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO reminders (id, task_id, user_id, fire_at, status, attempt_count,
		                        next_attempt_at, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rem.ID, rem.TaskID, rem.UserID, rem.FireAt, rem.Status, rem.AttemptCount,
		rem.NextAttemptAt, rem.LastError, rem.CreatedAt, rem.UpdatedAt,
	)
	return err
}

func (r *Repository) ListByTask(ctx context.Context, taskID string) ([]Reminder, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+reminderColumns+`
		 FROM reminders
		 WHERE task_id = $1
		 ORDER BY fire_at`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Reminder, 0, 4)
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimDue leases the oldest due pending reminder to the caller. The lease
// bumps next_attempt_at and the attempt counter, so a worker that dies with
// a claim in hand costs one attempt and a lease worth of delay, nothing
// else. SKIP LOCKED keeps concurrent sweeps off each other's rows.
func (r *Repository) ClaimDue(ctx context.Context, now, leaseUntil time.Time) (Reminder, error) {
	row := r.Pool.QueryRow(ctx,
		`UPDATE reminders
		 SET attempt_count = attempt_count + 1, next_attempt_at = $2, updated_at = $1
		 WHERE id = (
		 	SELECT id
		 	FROM reminders
		 	WHERE status = 'pending' AND next_attempt_at <= $1
		 	ORDER BY next_attempt_at
		 	LIMIT 1
		 	FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+reminderColumns,
		now, leaseUntil,
	)
	rem, err := scanReminder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reminder{}, ErrNoRemindersDue
		}
		return Reminder{}, err
	}
	return rem, nil
}

func (r *Repository) MarkSent(ctx context.Context, reminderID string, at time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE reminders
		 SET status = 'sent', updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		reminderID, at,
	)
	return err
}

func (r *Repository) MarkCancelled(ctx context.Context, reminderID string, at time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE reminders
		 SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		reminderID, at,
	)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, reminderID, lastError string, at time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE reminders
		 SET status = 'failed', last_error = $2, updated_at = $3
		 WHERE id = $1 AND status = 'pending'`,
		reminderID, lastError, at,
	)
	return err
}

func (r *Repository) Reschedule(ctx context.Context, reminderID string, nextAt time.Time, lastError string, at time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE reminders
		 SET next_attempt_at = $2, last_error = $3, updated_at = $4
		 WHERE id = $1 AND status = 'pending'`,
		reminderID, nextAt, lastError, at,
	)
	return err
}

// CancelPendingByTask cancels every pending reminder for the task and
// reports how many were affected. Safe to repeat; already settled rows are
// untouched.
func (r *Repository) CancelPendingByTask(ctx context.Context, taskID string, at time.Time) (int64, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE reminders
		 SET status = 'cancelled', updated_at = $2
		 WHERE task_id = $1 AND status = 'pending'`,
		taskID, at,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanReminder(row pgx.Row) (Reminder, error) {
	var rem Reminder
	err := row.Scan(
		&rem.ID,
		&rem.TaskID,
		&rem.UserID,
		&rem.FireAt,
		&rem.Status,
		&rem.AttemptCount,
		&rem.NextAttemptAt,
		&rem.LastError,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	return rem, err
}
