package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Unsubscribe channels. A token opts one identity out of one channel only;
// in-app delivery is never unsubscribable.
const (
	TokenChannelEmail = "email"
	TokenChannelSMS   = "sms"
	TokenChannelPush  = "push"
)

// UnsubscribeToken is an opaque bearer for per-channel opt-out. It is minted
// when a message is composed, embedded in the message (email footer, SMS
// trailer), and redeemed when the recipient follows the link.
//
// Invariant: at most one active token per (identity, channel) pair.
type UnsubscribeToken struct {
	ID             int64      `db:"id" json:"id"`
	Token          string     `db:"token" json:"-"`
	Channel        string     `db:"channel" json:"channel"`
	UserID         *int64     `db:"user_id" json:"user_id,omitempty"`
	Email          *string    `db:"email" json:"email,omitempty"`
	Phone          *string    `db:"phone" json:"phone,omitempty"`
	SubscriptionID *int64     `db:"subscription_id" json:"subscription_id,omitempty"`
	ExpiresAt      *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	UsedAt         *time.Time `db:"used_at" json:"used_at,omitempty"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// IsExpired reports whether the token's optional expiry has passed.
func (t *UnsubscribeToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// NewTokenValue generates the random 64-character token string.
func NewTokenValue() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// TokenIdentity names the opted-out party. Exactly one field is set.
type TokenIdentity struct {
	UserID         *int64
	Email          *string
	Phone          *string
	SubscriptionID *int64
}
