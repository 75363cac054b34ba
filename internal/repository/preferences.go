package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"erpnotify/internal/model"
)

type preferencesRepository struct {
	db *sqlx.DB
}

func NewPreferencesRepository(db *sqlx.DB) PreferencesRepository {
	return &preferencesRepository{db: db}
}

// Get returns the preference row, or the all-on defaults when the user has
// never touched settings. Missing rows are not materialized here; the first
// Upsert writes them.
func (r *preferencesRepository) Get(ctx context.Context, userID int64) (*model.UserPreferences, error) {
	query := `
		SELECT user_id, notify_realtime, notify_email, notify_sms, notify_browser,
		       notify_sound, notify_payment, notify_chat, notify_task, notify_leave,
		       notify_system, notify_customer_update, updated_at
		FROM user_preferences
		WHERE user_id = $1
	`
	var p model.UserPreferences
	err := r.db.GetContext(ctx, &p, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultPreferences(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return &p, nil
}

func (r *preferencesRepository) Upsert(ctx context.Context, p *model.UserPreferences) error {
	query := `
		INSERT INTO user_preferences
			(user_id, notify_realtime, notify_email, notify_sms, notify_browser,
			 notify_sound, notify_payment, notify_chat, notify_task, notify_leave,
			 notify_system, notify_customer_update, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			notify_realtime = EXCLUDED.notify_realtime,
			notify_email = EXCLUDED.notify_email,
			notify_sms = EXCLUDED.notify_sms,
			notify_browser = EXCLUDED.notify_browser,
			notify_sound = EXCLUDED.notify_sound,
			notify_payment = EXCLUDED.notify_payment,
			notify_chat = EXCLUDED.notify_chat,
			notify_task = EXCLUDED.notify_task,
			notify_leave = EXCLUDED.notify_leave,
			notify_system = EXCLUDED.notify_system,
			notify_customer_update = EXCLUDED.notify_customer_update,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		p.UserID, p.NotifyRealtime, p.NotifyEmail, p.NotifySMS, p.NotifyBrowser,
		p.NotifySound, p.NotifyPayment, p.NotifyChat, p.NotifyTask, p.NotifyLeave,
		p.NotifySystem, p.NotifyCustomerUpdate)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}

// DisableChannel flips one transport flag off, inserting the defaults row
// first if the user never saved preferences.
func (r *preferencesRepository) DisableChannel(ctx context.Context, userID int64, channel string) error {
	column := ""
	switch channel {
	case model.TokenChannelEmail:
		column = "notify_email"
	case model.TokenChannelSMS:
		column = "notify_sms"
	case model.TokenChannelPush:
		column = "notify_browser"
	default:
		return fmt.Errorf("disable channel: unknown channel %q", channel)
	}

	// Column name comes from the fixed switch above, never from input.
	query := fmt.Sprintf(`
		INSERT INTO user_preferences (user_id, %s, updated_at)
		VALUES ($1, false, NOW())
		ON CONFLICT (user_id) DO UPDATE SET %s = false, updated_at = NOW()
	`, column, column)

	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("disable channel %s: %w", channel, err)
	}
	return nil
}
