package recurrence

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	Pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{Pool: pool}
}

func (r *Repository) Create(ctx context.Context, rule Rule) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO recurrence_rules (id, task_id, user_id, pattern, interval, next_due_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rule.ID, rule.TaskID, rule.UserID, rule.Pattern, rule.Interval, rule.NextDueAt, rule.CreatedAt,
	)
	return err
}

func (r *Repository) Get(ctx context.Context, ruleID string) (Rule, error) {
	var rule Rule
	err := r.Pool.QueryRow(ctx,
		`SELECT id, task_id, user_id, pattern, interval, next_due_at, created_at
		 FROM recurrence_rules
		 WHERE id = $1`,
		ruleID,
	).Scan(
		&rule.ID,
		&rule.TaskID,
		&rule.UserID,
		&rule.Pattern,
		&rule.Interval,
		&rule.NextDueAt,
		&rule.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rule{}, ErrRuleNotFound
		}
		return Rule{}, err
	}
	return rule, nil
}

// AdvanceNextDue moves the rule's bookkeeping pointer forward. Redeliveries
// arrive out of order, so the pointer only ever advances.
func (r *Repository) AdvanceNextDue(ctx context.Context, ruleID string, next time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`UPDATE recurrence_rules
		 SET next_due_at = $2
		 WHERE id = $1 AND (next_due_at IS NULL OR next_due_at < $2)`,
		ruleID, next,
	)
	return err
}
