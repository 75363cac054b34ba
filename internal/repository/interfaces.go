package repository

import (
	"context"
	"time"

	"erpnotify/internal/model"
)

type NotificationRepository interface {
	// Create inserts a new notification row and fills ID and CreatedAt.
	Create(ctx context.Context, n *model.Notification) error
	// List returns notifications for a recipient, most recent first,
	// keyset-paged by created_at cursor.
	List(ctx context.Context, recipientID int64, cursor *time.Time, limit int) ([]model.Notification, *time.Time, error)
	// MarkRead flips is_read false -> true for one notification owned by the
	// recipient. Already-read rows are left untouched.
	MarkRead(ctx context.Context, recipientID, notificationID int64) error
	// MarkAllRead marks every unread notification for a recipient as read.
	MarkAllRead(ctx context.Context, recipientID int64) error
	// UnreadCount returns the unread badge count.
	UnreadCount(ctx context.Context, recipientID int64) (int, error)
	// SetDispatchStatus updates the dispatch_status column.
	SetDispatchStatus(ctx context.Context, notificationID int64, status string) error
	// ReapRead deletes read notifications older than the retention window.
	// Returns the number of rows removed.
	ReapRead(ctx context.Context, olderThan time.Time) (int64, error)
}

type SubscriptionRepository interface {
	// Upsert inserts a subscription or, when the endpoint already exists,
	// re-activates it and refreshes keys, owner, and UA fields. Fills ID.
	Upsert(ctx context.Context, sub *model.PushSubscription) error
	// GetByID returns one subscription, active or not.
	GetByID(ctx context.Context, id int64) (*model.PushSubscription, error)
	// ListActiveByUser returns the active subscriptions owned by a user.
	ListActiveByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error)
	// ListActiveByPhone returns active anonymous subscriptions for a phone.
	ListActiveByPhone(ctx context.Context, phone string) ([]model.PushSubscription, error)
	// ListActiveByDevice returns active anonymous subscriptions for a device.
	ListActiveByDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error)
	// ListActive pages through every active subscription (admin broadcast).
	ListActive(ctx context.Context, afterID int64, limit int) ([]model.PushSubscription, error)
	// RecordAttempt bumps the success or failure counter atomically in SQL so
	// concurrent attempts to the same endpoint never lose increments, stamps
	// last_push_attempt, and on success last_successful_push.
	RecordAttempt(ctx context.Context, id int64, success bool, at time.Time) error
	// Deactivate soft-disables a subscription (endpoint gone, 410).
	Deactivate(ctx context.Context, id int64) error
	// Delete removes a subscription row.
	Delete(ctx context.Context, id int64) error
	// PruneStale deletes subscriptions that are inactive or have not been
	// updated since the cutoff. Returns the number of rows removed.
	PruneStale(ctx context.Context, cutoff time.Time) (int64, error)
}

type TokenRepository interface {
	// Create inserts a new unsubscribe token.
	Create(ctx context.Context, t *model.UnsubscribeToken) error
	// GetActive returns the active token for an (identity, channel) pair, or
	// model.ErrTokenNotFound.
	GetActive(ctx context.Context, identity model.TokenIdentity, channel string) (*model.UnsubscribeToken, error)
	// GetByValue looks a token up by its bearer string.
	GetByValue(ctx context.Context, token string) (*model.UnsubscribeToken, error)
	// MarkUsed stamps used_at and flips is_active off. Only the first call
	// for a token reports redeemed=true.
	MarkUsed(ctx context.Context, id int64, at time.Time) (redeemed bool, err error)
	// HasActive reports whether an active token exists for the pair.
	HasActive(ctx context.Context, identity model.TokenIdentity, channel string) (bool, error)
	// HasRedeemed reports whether the identity ever followed an unsubscribe
	// link for the channel.
	HasRedeemed(ctx context.Context, identity model.TokenIdentity, channel string) (bool, error)
	// ExpireBefore deactivates tokens whose expiry has passed.
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
}

type PreferencesRepository interface {
	// Get returns the user's preference row, falling back to the signup
	// defaults when no row exists yet.
	Get(ctx context.Context, userID int64) (*model.UserPreferences, error)
	// Upsert writes the full preference row.
	Upsert(ctx context.Context, p *model.UserPreferences) error
	// DisableChannel flips a single per-transport flag off (token redemption).
	DisableChannel(ctx context.Context, userID int64, channel string) error
}

type AttemptRepository interface {
	// Create appends one delivery attempt to the log.
	Create(ctx context.Context, a *model.DeliveryAttempt) error
	// ListByPlan returns the attempts recorded for a plan, oldest first.
	ListByPlan(ctx context.Context, planID string) ([]model.DeliveryAttempt, error)
}

type ScheduledPlanRepository interface {
	// Create parks a serialized plan for later dispatch.
	Create(ctx context.Context, payload []byte, scheduledFor time.Time) (int64, error)
	// ClaimDue atomically stamps enqueued_at on plans due before now and
	// returns them, so concurrent tick runs never dispatch a plan twice.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPlan, error)
	// Delete removes a dispatched plan.
	Delete(ctx context.Context, id int64) error
}

type RecipientRepository interface {
	// GetByID returns the engine's view of one user.
	GetByID(ctx context.Context, id int64) (*model.Recipient, error)
	// ListByRole returns every user holding a role (admin broadcast).
	ListByRole(ctx context.Context, role string) ([]model.Recipient, error)
	// ListIDs pages through all user ids (broadcast target "all").
	ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	// SetOnline flips the presence flag; offline stamps last_seen.
	SetOnline(ctx context.Context, id int64, online bool, at time.Time) error
}
