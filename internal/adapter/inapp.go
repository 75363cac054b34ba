package adapter

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"erpnotify/internal/model"
	"erpnotify/internal/repository"
)

// InAppAdapter persists the canonical notification row. The planner invokes
// it synchronously so the new row id can ride on the real-time broadcast;
// it still implements Adapter so broadcast probes and replays go through the
// same classification path.
type InAppAdapter struct {
	notifRepo repository.NotificationRepository
}

func NewInAppAdapter(notifRepo repository.NotificationRepository) *InAppAdapter {
	return &InAppAdapter{notifRepo: notifRepo}
}

func (a *InAppAdapter) Name() string { return model.ChannelInApp }

func (a *InAppAdapter) Send(ctx context.Context, e *Entry) Result {
	_, res := a.Deliver(ctx, e)
	return res
}

// Deliver persists the row and returns it so the caller can hand the full
// record to the real-time broadcaster.
func (a *InAppAdapter) Deliver(ctx context.Context, e *Entry) (*model.Notification, Result) {
	if e.Recipient.UserID == nil {
		return nil, rejected("no_user_recipient")
	}

	n := &model.Notification{
		RecipientID:    *e.Recipient.UserID,
		Verb:           e.Kind,
		Kind:           e.Kind,
		Title:          e.Title,
		Body:           e.Body,
		ActionURL:      e.ActionURL,
		ImageURL:       e.ImageURL,
		DispatchStatus: model.DispatchSent,
	}
	if e.Target != nil {
		n.TargetKind = &e.Target.Kind
		n.TargetID = &e.Target.ID
	}

	if err := a.notifRepo.Create(ctx, n); err != nil {
		return nil, classifyInAppErr(err)
	}

	e.NotificationID = &n.ID
	return n, ok(strconv.FormatInt(n.ID, 10))
}

func classifyInAppErr(err error) Result {
	if errors.Is(err, model.ErrRecipientNotFound) {
		return permanent("recipient_missing", err)
	}
	msg := err.Error()
	// A foreign key violation means the recipient row is gone; that cannot
	// heal with a retry.
	if strings.Contains(msg, "foreign key") || strings.Contains(msg, "violates") {
		return permanent("recipient_missing", err)
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "timeout") {
		return transient("db_contention", err)
	}
	return transient("db_error", err)
}
