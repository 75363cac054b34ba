package model

import (
	"time"
)

// Notification kinds. These mirror the event kinds emitted by the domain
// services (payments, invoices, tasks, HR) plus generic severity kinds used
// by system broadcasts.
const (
	KindPayment = "payment"
	KindInvoice = "invoice"
	KindTask    = "task"
	KindLeave   = "leave"
	KindChat    = "chat"
	KindSystem  = "system"
	KindInfo    = "info"
	KindSuccess = "success"
	KindWarning = "warning"
	KindError   = "error"
	KindCreate  = "create"
	KindUpdate  = "update"
	KindDelete  = "delete"
)

// Dispatch status of the in-app row. "pending" until the planner hands the
// remaining channels to the scheduler, then "sent"; "failed" only when the
// insert itself could not be completed.
const (
	DispatchPending = "pending"
	DispatchSent    = "sent"
	DispatchFailed  = "failed"
)

// ValidKinds is the closed set accepted at the planner boundary.
var ValidKinds = map[string]bool{
	KindPayment: true, KindInvoice: true, KindTask: true, KindLeave: true,
	KindChat: true, KindSystem: true, KindInfo: true, KindSuccess: true,
	KindWarning: true, KindError: true, KindCreate: true, KindUpdate: true,
	KindDelete: true,
}

// Notification is the canonical in-app record.
//
// Invariants: created_at is monotone per recipient (rows are insert-only and
// stamped by the database), is_read only ever flips false -> true, and kind is
// fixed at creation.
type Notification struct {
	ID             int64      `db:"id" json:"id"`
	RecipientID    int64      `db:"recipient_id" json:"-"`
	ActorID        *int64     `db:"actor_id" json:"actor_id,omitempty"`
	Verb           string     `db:"verb" json:"verb"`
	Kind           string     `db:"kind" json:"kind"`
	Title          string     `db:"title" json:"title"`
	Body           string     `db:"body" json:"body"`
	ActionURL      *string    `db:"action_url" json:"action_url,omitempty"`
	ImageURL       *string    `db:"image_url" json:"image_url,omitempty"`
	TargetKind     *string    `db:"target_kind" json:"target_kind,omitempty"`
	TargetID       *int64     `db:"target_id" json:"target_id,omitempty"`
	IsRead         bool       `db:"is_read" json:"is_read"`
	DispatchStatus string     `db:"dispatch_status" json:"dispatch_status"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	ReadAt         *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// IconHint maps a notification kind to the icon class the web client renders.
// Kept server-side so every channel shows the same glyph for the same event.
func (n *Notification) IconHint() string {
	switch n.Kind {
	case KindPayment, KindInvoice:
		return "receipt"
	case KindTask:
		return "check-square"
	case KindLeave:
		return "calendar"
	case KindChat:
		return "message-circle"
	case KindWarning, KindError:
		return "alert-triangle"
	case KindSuccess:
		return "check-circle"
	default:
		return "bell"
	}
}

// NotificationListResponse is the paged notification list response,
// most recent first.
type NotificationListResponse struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unread_count"`
	NextCursor    *string        `json:"next_cursor,omitempty"`
}

// TargetRef is the polymorphic {entity_kind, entity_id} pair pointing at the
// domain object a notification is about.
type TargetRef struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}
