package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"erpnotify/internal/model"
)

type notificationRepository struct {
	db *sqlx.DB
}

func NewNotificationRepository(db *sqlx.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

// Create inserts a new notification and reads back the database-assigned id
// and timestamp, which keeps created_at monotone per recipient without any
// clock coordination in the application.
func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := `
		INSERT INTO notifications
			(recipient_id, actor_id, verb, kind, title, body, action_url, image_url,
			 target_kind, target_id, dispatch_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		n.RecipientID, n.ActorID, n.Verb, n.Kind, n.Title, n.Body,
		n.ActionURL, n.ImageURL, n.TargetKind, n.TargetID, n.DispatchStatus,
	).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// List returns notifications most recent first, keyset-paged on created_at.
func (r *notificationRepository) List(ctx context.Context, recipientID int64, cursor *time.Time, limit int) ([]model.Notification, *time.Time, error) {
	query := `
		SELECT id, recipient_id, actor_id, verb, kind, title, body, action_url,
		       image_url, target_kind, target_id, is_read, dispatch_status,
		       created_at, read_at
		FROM notifications
		WHERE recipient_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC
		LIMIT $3
	`
	var rows []model.Notification
	if err := r.db.SelectContext(ctx, &rows, query, recipientID, cursor, limit); err != nil {
		return nil, nil, fmt.Errorf("list notifications: %w", err)
	}

	var next *time.Time
	if len(rows) == limit && limit > 0 {
		last := rows[len(rows)-1].CreatedAt
		next = &last
	}
	return rows, next, nil
}

// MarkRead flips is_read for a single owned notification. The is_read = false
// predicate makes the transition one-way and idempotent.
func (r *notificationRepository) MarkRead(ctx context.Context, recipientID, notificationID int64) error {
	query := `
		UPDATE notifications
		SET is_read = true, read_at = NOW()
		WHERE id = $1 AND recipient_id = $2 AND is_read = false
	`
	res, err := r.db.ExecContext(ctx, query, notificationID, recipientID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either not owned, missing, or already read. Distinguish the first
		// two so the handler can 404.
		var exists bool
		err = r.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`,
			notificationID, recipientID)
		if err != nil {
			return fmt.Errorf("check notification: %w", err)
		}
		if !exists {
			return model.ErrNotificationNotFound
		}
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, recipientID int64) error {
	query := `
		UPDATE notifications
		SET is_read = true, read_at = NOW()
		WHERE recipient_id = $1 AND is_read = false
	`
	if _, err := r.db.ExecContext(ctx, query, recipientID); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (r *notificationRepository) UnreadCount(ctx context.Context, recipientID int64) (int, error) {
	query := `
		SELECT COUNT(*) FROM notifications
		WHERE recipient_id = $1 AND is_read = false
	`
	var count int
	err := r.db.GetContext(ctx, &count, query, recipientID)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return count, nil
}

func (r *notificationRepository) SetDispatchStatus(ctx context.Context, notificationID int64, status string) error {
	query := `UPDATE notifications SET dispatch_status = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, notificationID, status); err != nil {
		return fmt.Errorf("set dispatch status: %w", err)
	}
	return nil
}

// ReapRead deletes read notifications past the retention window. Unread rows
// are kept regardless of age.
func (r *notificationRepository) ReapRead(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM notifications
		WHERE is_read = true AND created_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reap notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
