package model

import (
	"strconv"
	"time"
)

// Recipient is the engine's read-only view of a platform user: just enough to
// resolve addresses and roles. The full user record (profile, auth, tenancy)
// belongs to the domain services and is out of scope here.
type Recipient struct {
	ID       int64   `db:"id" json:"id"`
	Email    *string `db:"email" json:"email,omitempty"`
	Phone    *string `db:"phone" json:"phone,omitempty"`
	Role     string  `db:"role" json:"role"`
	IsOnline bool    `db:"is_online" json:"is_online"`

	LastSeen *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}

// RecipientRef addresses a fan-out target. Exactly one field is set: a known
// platform user, a bare phone number (SMS/WhatsApp only), or an opaque device
// id owning anonymous push subscriptions.
type RecipientRef struct {
	UserID   *int64  `json:"user_id,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	DeviceID *string `json:"device_id,omitempty"`
}

// IsZero reports whether no identifier is set.
func (r RecipientRef) IsZero() bool {
	return r.UserID == nil && r.Phone == nil && r.DeviceID == nil
}

// Key returns a stable string identity used in dedup hashes and logs.
func (r RecipientRef) Key() string {
	switch {
	case r.UserID != nil:
		return "user:" + strconv.FormatInt(*r.UserID, 10)
	case r.Phone != nil:
		return "phone:" + *r.Phone
	case r.DeviceID != nil:
		return "device:" + *r.DeviceID
	default:
		return ""
	}
}
