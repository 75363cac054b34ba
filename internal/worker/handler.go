package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"erpnotify/internal/notify"
	"erpnotify/internal/queue"
)

// Notifier defines the planner surface the worker needs. This abstracts the
// engine so workers don't depend on its wiring directly.
type Notifier interface {
	// Notify expands one domain event into per-channel deliveries.
	Notify(ctx context.Context, ev *notify.Event) (planID string, err error)
	// Broadcast resolves a target population and fans out in batches.
	Broadcast(ctx context.Context, req *notify.BroadcastRequest) (planIDs []string, err error)
}

// Handler processes notification events from the queue.
type Handler struct {
	notifier Notifier
}

// NewHandler creates a new event handler.
func NewHandler(notifier Notifier) *Handler {
	return &Handler{notifier: notifier}
}

// HandleEvent routes an event to the appropriate handler based on type.
func (h *Handler) HandleEvent(ctx context.Context, event queue.NotifyEvent) error {
	startTime := time.Now()
	var err error

	switch event.Type {
	case queue.EventNotificationRaised:
		err = h.handleNotificationRaised(ctx, event)
	case queue.EventBroadcastRequested:
		err = h.handleBroadcastRequested(ctx, event)
	default:
		log.Printf("[Worker] Unknown event type: %s", event.Type)
		return fmt.Errorf("unknown event type: %s", event.Type)
	}

	if err != nil {
		log.Printf("[Worker] HandleEvent FAILED: type=%s duration=%v err=%v",
			event.Type, time.Since(startTime), err)
		return err
	}

	log.Printf("[Worker] HandleEvent OK: type=%s duration=%v", event.Type, time.Since(startTime))
	return nil
}

// handleNotificationRaised expands one domain event through the planner.
func (h *Handler) handleNotificationRaised(ctx context.Context, event queue.NotifyEvent) error {
	var ev notify.Event
	if err := json.Unmarshal(event.Payload, &ev); err != nil {
		// Malformed payloads can never succeed; log and drop.
		log.Printf("[Worker] NotificationRaised: bad payload err=%v", err)
		return nil
	}

	planID, err := h.notifier.Notify(ctx, &ev)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	log.Printf("[Worker] NotificationRaised DONE: kind=%s recipients=%d plan=%s",
		ev.Kind, len(ev.Recipients), planID)
	return nil
}

// handleBroadcastRequested resolves and fans out an admin broadcast.
func (h *Handler) handleBroadcastRequested(ctx context.Context, event queue.NotifyEvent) error {
	var req notify.BroadcastRequest
	if err := json.Unmarshal(event.Payload, &req); err != nil {
		log.Printf("[Worker] BroadcastRequested: bad payload err=%v", err)
		return nil
	}

	planIDs, err := h.notifier.Broadcast(ctx, &req)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	log.Printf("[Worker] BroadcastRequested DONE: target=%s plans=%d", req.Target, len(planIDs))
	return nil
}
