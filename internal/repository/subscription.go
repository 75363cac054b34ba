package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"erpnotify/internal/model"
)

type subscriptionRepository struct {
	db *sqlx.DB
}

func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

const subscriptionColumns = `
	id, endpoint, p256dh, auth, user_id, phone, device_id, browser, platform,
	is_wns, is_active, push_success_count, push_failure_count,
	last_push_attempt, last_successful_push, created_at, updated_at
`

// Upsert inserts a subscription, or re-activates and refreshes an existing
// row when the endpoint is already known. Counters and push timestamps are
// preserved across re-subscribes so the health history survives.
func (r *subscriptionRepository) Upsert(ctx context.Context, sub *model.PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions
			(endpoint, p256dh, auth, user_id, phone, device_id, browser, platform,
			 is_wns, is_active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, NOW())
		ON CONFLICT (endpoint) DO UPDATE SET
			p256dh = EXCLUDED.p256dh,
			auth = EXCLUDED.auth,
			user_id = EXCLUDED.user_id,
			phone = EXCLUDED.phone,
			device_id = EXCLUDED.device_id,
			browser = EXCLUDED.browser,
			platform = EXCLUDED.platform,
			is_wns = EXCLUDED.is_wns,
			is_active = true,
			updated_at = NOW()
		RETURNING id, created_at, updated_at, push_success_count, push_failure_count
	`
	err := r.db.QueryRowContext(ctx, query,
		sub.Endpoint, sub.P256dh, sub.Auth, sub.UserID, sub.Phone, sub.DeviceID,
		sub.Browser, sub.Platform, sub.IsWNS,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt, &sub.PushSuccessCount, &sub.PushFailureCount)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	sub.IsActive = true
	return nil
}

func (r *subscriptionRepository) GetByID(ctx context.Context, id int64) (*model.PushSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM push_subscriptions WHERE id = $1`
	var sub model.PushSubscription
	err := r.db.GetContext(ctx, &sub, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (r *subscriptionRepository) ListActiveByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE user_id = $1 AND is_active = true
		ORDER BY updated_at DESC
	`
	var subs []model.PushSubscription
	if err := r.db.SelectContext(ctx, &subs, query, userID); err != nil {
		return nil, fmt.Errorf("list subscriptions by user: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ListActiveByPhone(ctx context.Context, phone string) ([]model.PushSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE phone = $1 AND is_active = true
		ORDER BY updated_at DESC
	`
	var subs []model.PushSubscription
	if err := r.db.SelectContext(ctx, &subs, query, phone); err != nil {
		return nil, fmt.Errorf("list subscriptions by phone: %w", err)
	}
	return subs, nil
}

func (r *subscriptionRepository) ListActiveByDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE device_id = $1 AND is_active = true
		ORDER BY updated_at DESC
	`
	var subs []model.PushSubscription
	if err := r.db.SelectContext(ctx, &subs, query, deviceID); err != nil {
		return nil, fmt.Errorf("list subscriptions by device: %w", err)
	}
	return subs, nil
}

// ListActive pages all active subscriptions by id for admin broadcasts.
func (r *subscriptionRepository) ListActive(ctx context.Context, afterID int64, limit int) ([]model.PushSubscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM push_subscriptions
		WHERE is_active = true AND id > $1
		ORDER BY id
		LIMIT $2
	`
	var subs []model.PushSubscription
	if err := r.db.SelectContext(ctx, &subs, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	return subs, nil
}

// RecordAttempt updates the counters in a single UPDATE so two attempts to
// the same endpoint finishing at once cannot lose an increment.
func (r *subscriptionRepository) RecordAttempt(ctx context.Context, id int64, success bool, at time.Time) error {
	var query string
	if success {
		query = `
			UPDATE push_subscriptions
			SET push_success_count = push_success_count + 1,
			    last_push_attempt = $2,
			    last_successful_push = $2,
			    updated_at = NOW()
			WHERE id = $1
		`
	} else {
		query = `
			UPDATE push_subscriptions
			SET push_failure_count = push_failure_count + 1,
			    last_push_attempt = $2,
			    updated_at = NOW()
			WHERE id = $1
		`
	}
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("record push attempt: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Deactivate(ctx context.Context, id int64) error {
	query := `
		UPDATE push_subscriptions
		SET is_active = false, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrSubscriptionNotFound
	}
	return nil
}

// PruneStale removes endpoints that are deactivated or have gone quiet.
func (r *subscriptionRepository) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM push_subscriptions
		WHERE is_active = false OR updated_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
