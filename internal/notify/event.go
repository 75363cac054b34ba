// Package notify is the engine core: it turns domain events into delivery
// plans. The planner resolves recipients, filters by preferences and active
// unsubscribes, deduplicates against a short Redis window, persists the
// in-app rows, and hands the remaining entries to the delivery scheduler.
package notify

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"erpnotify/internal/model"
)

const (
	// MaxTitleLen and MaxBodyLen bound event text at the intake boundary.
	MaxTitleLen = 200
	MaxBodyLen  = 2000
)

// Event describes a domain occurrence that may produce notifications. Domain
// code builds one and calls Engine.Notify, or publishes it as JSON on the
// intake stream.
type Event struct {
	Kind       string               `json:"kind"`
	Actor      *model.TargetRef     `json:"actor_ref,omitempty"`
	Recipients []model.RecipientRef `json:"recipients"`
	Title      string               `json:"title"`
	Body       string               `json:"body"`
	Target     *model.TargetRef     `json:"target_ref,omitempty"`
	ActionURL  *string              `json:"action_url,omitempty"`
	ImageURL   *string              `json:"image_url,omitempty"`

	// ScheduledFor defers dispatch: a future timestamp parks the plan until
	// the cleanup tick picks it up.
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`

	// Channels restricts the fan-out to a subset of transports. Empty means
	// all five. Used by admin broadcast (in-app + push) and test probes.
	Channels []string `json:"channels,omitempty"`
}

// Validate rejects malformed events at the planner boundary. This is the only
// error class the engine ever surfaces to its callers.
func (ev *Event) Validate() error {
	if !model.ValidKinds[ev.Kind] {
		return fmt.Errorf("%w: unknown kind %q", model.ErrInvalidEvent, ev.Kind)
	}
	if ev.Title == "" {
		return fmt.Errorf("%w: empty title", model.ErrInvalidEvent)
	}
	if len(ev.Title) > MaxTitleLen {
		return fmt.Errorf("%w: title exceeds %d chars", model.ErrInvalidEvent, MaxTitleLen)
	}
	if len(ev.Body) > MaxBodyLen {
		return fmt.Errorf("%w: body exceeds %d chars", model.ErrInvalidEvent, MaxBodyLen)
	}
	if len(ev.Recipients) == 0 {
		return fmt.Errorf("%w: no recipients", model.ErrInvalidEvent)
	}
	for i, r := range ev.Recipients {
		if r.IsZero() {
			return fmt.Errorf("%w: recipient %d has no identifier", model.ErrInvalidEvent, i)
		}
	}
	for _, ch := range ev.Channels {
		valid := false
		for _, known := range model.AllChannels {
			if ch == known {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("%w: unknown channel %q", model.ErrInvalidEvent, ch)
		}
	}
	return nil
}

// wantsChannel reports whether the event's channel restriction (if any)
// includes the given transport.
func (ev *Event) wantsChannel(channel string) bool {
	if len(ev.Channels) == 0 {
		return true
	}
	for _, ch := range ev.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// ContentHash keys the dedup window: identical content to the same target
// within the window is collapsed.
func (ev *Event) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(ev.Kind))
	h.Write([]byte{0})
	if ev.Target != nil {
		fmt.Fprintf(h, "%s:%d", ev.Target.Kind, ev.Target.ID)
	}
	h.Write([]byte{0})
	h.Write([]byte(ev.Title))
	h.Write([]byte{0})
	h.Write([]byte(ev.Body))
	return hex.EncodeToString(h.Sum(nil))
}
