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

type tokenRepository struct {
	db *sqlx.DB
}

func NewTokenRepository(db *sqlx.DB) TokenRepository {
	return &tokenRepository{db: db}
}

const tokenColumns = `
	id, token, channel, user_id, email, phone, subscription_id,
	expires_at, used_at, is_active, created_at
`

func (r *tokenRepository) Create(ctx context.Context, t *model.UnsubscribeToken) error {
	query := `
		INSERT INTO unsubscribe_tokens
			(token, channel, user_id, email, phone, subscription_id, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, true)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		t.Token, t.Channel, t.UserID, t.Email, t.Phone, t.SubscriptionID, t.ExpiresAt,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert unsubscribe token: %w", err)
	}
	t.IsActive = true
	return nil
}

// identityPredicate matches exactly the identity column that is set. NULL
// comparisons via IS NOT DISTINCT FROM keep unset columns aligned too, which
// enforces "one active token per (identity, channel)" at query level.
const identityPredicate = `
	user_id IS NOT DISTINCT FROM $1
	AND email IS NOT DISTINCT FROM $2
	AND phone IS NOT DISTINCT FROM $3
	AND subscription_id IS NOT DISTINCT FROM $4
`

func (r *tokenRepository) GetActive(ctx context.Context, identity model.TokenIdentity, channel string) (*model.UnsubscribeToken, error) {
	query := `
		SELECT ` + tokenColumns + `
		FROM unsubscribe_tokens
		WHERE ` + identityPredicate + `
		  AND channel = $5 AND is_active = true
		ORDER BY created_at DESC
		LIMIT 1
	`
	var t model.UnsubscribeToken
	err := r.db.GetContext(ctx, &t, query,
		identity.UserID, identity.Email, identity.Phone, identity.SubscriptionID, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active token: %w", err)
	}
	return &t, nil
}

func (r *tokenRepository) GetByValue(ctx context.Context, token string) (*model.UnsubscribeToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM unsubscribe_tokens WHERE token = $1`
	var t model.UnsubscribeToken
	err := r.db.GetContext(ctx, &t, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

// MarkUsed consumes a token. The is_active predicate makes redemption
// first-wins: a second redeem of the same token reports redeemed=false.
func (r *tokenRepository) MarkUsed(ctx context.Context, id int64, at time.Time) (bool, error) {
	query := `
		UPDATE unsubscribe_tokens
		SET used_at = $2, is_active = false
		WHERE id = $1 AND is_active = true
	`
	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *tokenRepository) HasActive(ctx context.Context, identity model.TokenIdentity, channel string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM unsubscribe_tokens
			WHERE ` + identityPredicate + `
			  AND channel = $5 AND is_active = true
		)
	`
	var exists bool
	err := r.db.GetContext(ctx, &exists, query,
		identity.UserID, identity.Email, identity.Phone, identity.SubscriptionID, channel)
	if err != nil {
		return false, fmt.Errorf("check active token: %w", err)
	}
	return exists, nil
}

// HasRedeemed reports whether the identity has followed an unsubscribe link
// for the channel. Redeemed tokens permanently filter future plans for
// identities that have no preference row (bare email/phone targets).
func (r *tokenRepository) HasRedeemed(ctx context.Context, identity model.TokenIdentity, channel string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM unsubscribe_tokens
			WHERE ` + identityPredicate + `
			  AND channel = $5 AND used_at IS NOT NULL
		)
	`
	var exists bool
	err := r.db.GetContext(ctx, &exists, query,
		identity.UserID, identity.Email, identity.Phone, identity.SubscriptionID, channel)
	if err != nil {
		return false, fmt.Errorf("check redeemed token: %w", err)
	}
	return exists, nil
}

func (r *tokenRepository) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE unsubscribe_tokens
		SET is_active = false
		WHERE is_active = true AND expires_at IS NOT NULL AND expires_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
