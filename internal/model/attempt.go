package model

import "time"

// DeliveryAttempt is one row of the append-only attempt log. It drives retry
// decisions and the push subscription health counters, and is retained for
// the admin dashboards.
type DeliveryAttempt struct {
	ID            int64     `db:"id" json:"id"`
	PlanID        string    `db:"plan_id" json:"plan_id"`
	EntryID       string    `db:"entry_id" json:"entry_id"`
	Channel       string    `db:"channel" json:"channel"`
	Outcome       string    `db:"outcome" json:"outcome"`
	ProviderMsgID *string   `db:"provider_msg_id" json:"provider_msg_id,omitempty"`
	ErrorCategory *string   `db:"error_category" json:"error_category,omitempty"`
	RetryOrdinal  int       `db:"retry_ordinal" json:"retry_ordinal"`
	StartedAt     time.Time `db:"started_at" json:"started_at"`
	FinishedAt    time.Time `db:"finished_at" json:"finished_at"`
}

// ScheduledPlan is a serialized plan parked for later dispatch: either the
// event carried a future scheduled_for, or the scheduler spilled entries it
// could not queue (backpressure timeout, shutdown drain).
type ScheduledPlan struct {
	ID           int64      `db:"id" json:"id"`
	PayloadBlob  []byte     `db:"payload_blob" json:"-"`
	ScheduledFor time.Time  `db:"scheduled_for" json:"scheduled_for"`
	EnqueuedAt   *time.Time `db:"enqueued_at" json:"enqueued_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}
