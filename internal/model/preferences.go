package model

import "time"

// UserPreferences holds one row of per-recipient opt-in flags. Rows are
// created at signup with every flag true and mutated only by the user's
// settings action (or a redeemed unsubscribe token).
type UserPreferences struct {
	UserID int64 `db:"user_id" json:"user_id"`

	// Per-transport flags.
	NotifyRealtime bool `db:"notify_realtime" json:"notify_realtime"`
	NotifyEmail    bool `db:"notify_email" json:"notify_email"`
	NotifySMS      bool `db:"notify_sms" json:"notify_sms"`
	NotifyBrowser  bool `db:"notify_browser" json:"notify_browser"`
	NotifySound    bool `db:"notify_sound" json:"notify_sound"`

	// Per-kind flags.
	NotifyPayment        bool `db:"notify_payment" json:"notify_payment"`
	NotifyChat           bool `db:"notify_chat" json:"notify_chat"`
	NotifyTask           bool `db:"notify_task" json:"notify_task"`
	NotifyLeave          bool `db:"notify_leave" json:"notify_leave"`
	NotifySystem         bool `db:"notify_system" json:"notify_system"`
	NotifyCustomerUpdate bool `db:"notify_customer_update" json:"notify_customer_update"`

	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DefaultPreferences returns the signup defaults: everything on.
func DefaultPreferences(userID int64) *UserPreferences {
	return &UserPreferences{
		UserID:         userID,
		NotifyRealtime: true,
		NotifyEmail:    true,
		NotifySMS:      true,
		NotifyBrowser:  true,
		NotifySound:    true,

		NotifyPayment:        true,
		NotifyChat:           true,
		NotifyTask:           true,
		NotifyLeave:          true,
		NotifySystem:         true,
		NotifyCustomerUpdate: true,
	}
}

// KindEnabled reports whether the given event kind is opted in. Kinds without
// a dedicated flag (info, success, warning, error, create, update, delete)
// ride on the system flag.
func (p *UserPreferences) KindEnabled(kind string) bool {
	switch kind {
	case KindPayment, KindInvoice:
		return p.NotifyPayment
	case KindChat:
		return p.NotifyChat
	case KindTask:
		return p.NotifyTask
	case KindLeave:
		return p.NotifyLeave
	case KindUpdate:
		return p.NotifyCustomerUpdate
	default:
		return p.NotifySystem
	}
}

// ChannelEnabled reports whether the given transport is opted in.
func (p *UserPreferences) ChannelEnabled(channel string) bool {
	switch channel {
	case ChannelInApp:
		return p.NotifyRealtime
	case ChannelEmail:
		return p.NotifyEmail
	case ChannelSMS, ChannelWhatsApp:
		return p.NotifySMS
	case ChannelWebPush:
		return p.NotifyBrowser
	default:
		return false
	}
}

// DisableChannel flips the per-transport flag off for a redeemed unsubscribe
// token. In-app cannot be disabled this way.
func (p *UserPreferences) DisableChannel(channel string) {
	switch channel {
	case TokenChannelEmail:
		p.NotifyEmail = false
	case TokenChannelSMS:
		p.NotifySMS = false
	case TokenChannelPush:
		p.NotifyBrowser = false
	}
}
