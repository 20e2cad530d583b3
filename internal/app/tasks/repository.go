package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, user_id, title, description, priority, tags,
	        due_date, recurrence_id, completed, completed_at, created_at, updated_at`

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) Create(ctx context.Context, t Task) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, title, description, priority, tags,
		                    due_date, recurrence_id, completed, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.UserID, t.Title, t.Description, t.Priority, t.Tags,
		t.DueDate, t.RecurrenceID, t.Completed, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (r *Repository) Get(ctx context.Context, taskID string) (Task, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE id = $1`,
		taskID,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]Task, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Task, 0, limit)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Update rewrites the mutable fields. The caller loads the task first, so a
// zero-row update means it vanished in between.
func (r *Repository) Update(ctx context.Context, t Task) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE tasks
		 SET title = $2, description = $3, priority = $4, tags = $5,
		     due_date = $6, updated_at = $7
		 WHERE id = $1`,
		t.ID, t.Title, t.Description, t.Priority, t.Tags, t.DueDate, t.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// LinkRecurrence points the task at its rule. The rule row references the
// task, so the link is set after both rows exist.
func (r *Repository) LinkRecurrence(ctx context.Context, taskID, ruleID string, at time.Time) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE tasks
		 SET recurrence_id = $2, updated_at = $3
		 WHERE id = $1`,
		taskID, ruleID, at,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Complete marks the task done and reports whether this call changed it.
// A false change with no error means the task was already completed, which
// callers treat as success without emitting another event.
func (r *Repository) Complete(ctx context.Context, taskID string, at time.Time) (Task, bool, error) {
	row := r.Pool.QueryRow(ctx,
		`UPDATE tasks
		 SET completed = TRUE, completed_at = $2, updated_at = $2
		 WHERE id = $1 AND NOT completed
		 RETURNING `+taskColumns,
		taskID, at,
	)
	t, err := scanTask(row)
	if err == nil {
		return t, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Task{}, false, err
	}

	// Either the task is gone or it was completed before this call.
	t, err = r.Get(ctx, taskID)
	if err != nil {
		return Task{}, false, err
	}
	return t, false, nil
}

// Delete removes the task and returns its final state for the deletion event.
func (r *Repository) Delete(ctx context.Context, taskID string) (Task, error) {
	row := r.Pool.QueryRow(ctx,
		`DELETE FROM tasks
		 WHERE id = $1
		 RETURNING `+taskColumns,
		taskID,
	)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	return t, nil
}

// HasOpenInstance reports whether an uncompleted instance of the rule with
// the given due date already exists.
func (r *Repository) HasOpenInstance(ctx context.Context, recurrenceID, userID string, dueDate time.Time) (bool, error) {
	var marker int
	err := r.Pool.QueryRow(ctx,
		`SELECT 1
		 FROM tasks
		 WHERE recurrence_id = $1 AND user_id = $2 AND due_date = $3 AND NOT completed
		 LIMIT 1`,
		recurrenceID, userID, dueDate,
	).Scan(&marker)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateInstance inserts a generated recurrence instance. The partial unique
// index absorbs concurrent duplicates; false means another writer got there
// first.
func (r *Repository) CreateInstance(ctx context.Context, t Task) (bool, error) {
	tag, err := r.Pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, title, description, priority, tags,
		                    due_date, recurrence_id, completed, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NULL, $9, $9)
		 ON CONFLICT (recurrence_id, user_id, due_date)
		 WHERE recurrence_id IS NOT NULL AND NOT completed
		 DO NOTHING`,
		t.ID, t.UserID, t.Title, t.Description, t.Priority, t.Tags,
		t.DueDate, t.RecurrenceID, t.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Description,
		&t.Priority,
		&t.Tags,
		&t.DueDate,
		&t.RecurrenceID,
		&t.Completed,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}
