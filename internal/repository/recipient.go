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

type recipientRepository struct {
	db *sqlx.DB
}

func NewRecipientRepository(db *sqlx.DB) RecipientRepository {
	return &recipientRepository{db: db}
}

func (r *recipientRepository) GetByID(ctx context.Context, id int64) (*model.Recipient, error) {
	query := `
		SELECT id, email, phone, role, is_online, last_seen
		FROM users
		WHERE id = $1
	`
	var rec model.Recipient
	err := r.db.GetContext(ctx, &rec, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return &rec, nil
}

func (r *recipientRepository) ListByRole(ctx context.Context, role string) ([]model.Recipient, error) {
	query := `
		SELECT id, email, phone, role, is_online, last_seen
		FROM users
		WHERE role = $1
		ORDER BY id
	`
	var recs []model.Recipient
	if err := r.db.SelectContext(ctx, &recs, query, role); err != nil {
		return nil, fmt.Errorf("list recipients by role: %w", err)
	}
	return recs, nil
}

func (r *recipientRepository) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	query := `
		SELECT id FROM users
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, afterID, limit); err != nil {
		return nil, fmt.Errorf("list recipient ids: %w", err)
	}
	return ids, nil
}

// SetOnline flips presence. Offline transitions also stamp last_seen; it is
// the timestamp the web client shows next to an absent user.
func (r *recipientRepository) SetOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	var query string
	if online {
		query = `UPDATE users SET is_online = true WHERE id = $1`
		if _, err := r.db.ExecContext(ctx, query, id); err != nil {
			return fmt.Errorf("set online: %w", err)
		}
		return nil
	}
	query = `UPDATE users SET is_online = false, last_seen = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	return nil
}
