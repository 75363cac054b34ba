package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"erpnotify/internal/model"
)

type scheduledPlanRepository struct {
	db *sqlx.DB
}

func NewScheduledPlanRepository(db *sqlx.DB) ScheduledPlanRepository {
	return &scheduledPlanRepository{db: db}
}

func (r *scheduledPlanRepository) Create(ctx context.Context, payload []byte, scheduledFor time.Time) (int64, error) {
	query := `
		INSERT INTO scheduled_plans (payload_blob, scheduled_for)
		VALUES ($1, $2)
		RETURNING id
	`
	var id int64
	if err := r.db.QueryRowContext(ctx, query, payload, scheduledFor).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert scheduled plan: %w", err)
	}
	return id, nil
}

// ClaimDue stamps enqueued_at and returns the claimed rows in one statement.
// FOR UPDATE SKIP LOCKED lets overlapping tick runs split the work instead of
// dispatching the same plan twice.
func (r *scheduledPlanRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPlan, error) {
	query := `
		UPDATE scheduled_plans
		SET enqueued_at = $1
		WHERE id IN (
			SELECT id FROM scheduled_plans
			WHERE scheduled_for <= $1 AND enqueued_at IS NULL
			ORDER BY scheduled_for
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload_blob, scheduled_for, enqueued_at, created_at
	`
	var plans []model.ScheduledPlan
	if err := r.db.SelectContext(ctx, &plans, query, now, limit); err != nil {
		return nil, fmt.Errorf("claim due plans: %w", err)
	}
	return plans, nil
}

func (r *scheduledPlanRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_plans WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete scheduled plan: %w", err)
	}
	return nil
}
