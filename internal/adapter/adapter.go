// Package adapter holds the five transport senders behind one capability.
// Adapters are stateless, safe for concurrent use, and classify every failure
// into transient (retry), permanent (deactivate target), or rejected (drop).
// They return results, never panic across the package boundary, and never
// outlive their per-send context deadline.
package adapter

import (
	"context"
	"time"

	"erpnotify/internal/model"
)

// Attachment is an in-memory email attachment.
type Attachment struct {
	Filename string
	Content  []byte
}

// Entry is a single unit of delivery work: one (recipient, channel, address)
// expansion of an event. The scheduler owns its lifecycle; adapters only read.
type Entry struct {
	ID      string
	PlanID  string
	Channel string

	Recipient model.RecipientRef
	// Address is the channel-specific destination: an email address, an
	// E.164 phone number, or a push endpoint URL.
	Address string
	// Subscription is set for push entries only.
	Subscription *model.PushSubscription

	Kind      string
	Title     string
	Body      string
	ActionURL *string
	ImageURL  *string
	Target    *model.TargetRef

	// NotificationID is the in-app row created for the same event, carried in
	// push payloads so the client can reconcile feeds.
	NotificationID *int64

	// UnsubscribeToken is embedded in email footers and SMS trailers.
	UnsubscribeToken string

	// TemplateName and TemplateParams drive the WhatsApp template call.
	TemplateName   string
	TemplateParams []string

	Attachments []Attachment

	// Retry is the attempt ordinal, 0 on first submission.
	Retry int

	EnqueuedAt time.Time
}

// Result is the classified outcome of one send.
type Result struct {
	// Status is one of model.OutcomeOK, OutcomeTransient, OutcomePermanent,
	// OutcomeRejected.
	Status string
	// ProviderMsgID is the provider-assigned message id, when one exists.
	ProviderMsgID string
	// Category is a short machine-readable error class for the attempt log
	// ("smtp_5xx", "endpoint_gone", "rate_limited", ...).
	Category string
	Err      error
}

// ProviderMsgIDRef adapts the plain field to the nullable attempt-log column:
// nil when the provider assigned no message id.
func (r Result) ProviderMsgIDRef() *string {
	if r.ProviderMsgID == "" {
		return nil
	}
	return &r.ProviderMsgID
}

// CategoryRef is nil when the attempt had no error class (clean sends).
func (r Result) CategoryRef() *string {
	if r.Category == "" {
		return nil
	}
	return &r.Category
}

func ok(providerMsgID string) Result {
	return Result{Status: model.OutcomeOK, ProviderMsgID: providerMsgID}
}

func transient(category string, err error) Result {
	return Result{Status: model.OutcomeTransient, Category: category, Err: err}
}

func permanent(category string, err error) Result {
	return Result{Status: model.OutcomePermanent, Category: category, Err: err}
}

func rejected(category string) Result {
	return Result{Status: model.OutcomeRejected, Category: category}
}

// Adapter sends one entry over one transport.
type Adapter interface {
	// Name returns the channel this adapter serves.
	Name() string
	// Send delivers the entry. The context carries the per-adapter timeout;
	// exceeding it must yield a transient result.
	Send(ctx context.Context, e *Entry) Result
}

// Default per-adapter timeouts. SMS and WhatsApp providers are slower to
// answer than SMTP relays and push services.
const (
	TimeoutEmail    = 10 * time.Second
	TimeoutWebPush  = 10 * time.Second
	TimeoutSMS      = 15 * time.Second
	TimeoutWhatsApp = 15 * time.Second
	TimeoutInApp    = 5 * time.Second
)

// TimeoutFor returns the hard deadline for a channel's sends.
func TimeoutFor(channel string) time.Duration {
	switch channel {
	case model.ChannelEmail:
		return TimeoutEmail
	case model.ChannelSMS:
		return TimeoutSMS
	case model.ChannelWhatsApp:
		return TimeoutWhatsApp
	case model.ChannelWebPush:
		return TimeoutWebPush
	default:
		return TimeoutInApp
	}
}
