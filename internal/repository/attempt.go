package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"erpnotify/internal/model"
)

type attemptRepository struct {
	db *sqlx.DB
}

func NewAttemptRepository(db *sqlx.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

// Create appends one attempt row. The log is insert-only; retry decisions are
// made in memory by the scheduler and this table exists for observability.
func (r *attemptRepository) Create(ctx context.Context, a *model.DeliveryAttempt) error {
	query := `
		INSERT INTO delivery_attempts
			(plan_id, entry_id, channel, outcome, provider_msg_id, error_category,
			 retry_ordinal, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		a.PlanID, a.EntryID, a.Channel, a.Outcome, a.ProviderMsgID,
		a.ErrorCategory, a.RetryOrdinal, a.StartedAt, a.FinishedAt,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (r *attemptRepository) ListByPlan(ctx context.Context, planID string) ([]model.DeliveryAttempt, error) {
	query := `
		SELECT id, plan_id, entry_id, channel, outcome, provider_msg_id,
		       error_category, retry_ordinal, started_at, finished_at
		FROM delivery_attempts
		WHERE plan_id = $1
		ORDER BY started_at
	`
	var attempts []model.DeliveryAttempt
	if err := r.db.SelectContext(ctx, &attempts, query, planID); err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	return attempts, nil
}
