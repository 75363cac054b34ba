package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types for the notification stream
const (
	EventNotificationRaised = "notification_raised"
	EventBroadcastRequested = "broadcast_requested"
)

// Stream names
const (
	StreamNotify = "stream:notify"
)

// Consumer group name for notification workers
const (
	ConsumerGroupNotify = "notify_workers"
)

// NotifyEvent is the envelope published to the notification stream. The
// payload is opaque JSON understood by the worker handler, so producers
// elsewhere in the system only need this envelope to enqueue work.
type NotifyEvent struct {
	Type      string          `json:"type"`      // EventNotificationRaised, EventBroadcastRequested
	Timestamp int64           `json:"timestamp"` // Unix timestamp when event was enqueued
	Payload   json.RawMessage `json:"payload"`   // Domain body (event or broadcast request)
}

// NewNotificationRaisedEvent wraps a serialized domain event for publishing.
// Worker will expand it into per-channel deliveries.
func NewNotificationRaisedEvent(payload []byte) NotifyEvent {
	return NotifyEvent{
		Type:      EventNotificationRaised,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
}

// NewBroadcastRequestedEvent wraps a serialized broadcast request.
// Worker will resolve the target population and fan out in batches.
func NewBroadcastRequestedEvent(payload []byte) NotifyEvent {
	return NotifyEvent{
		Type:      EventBroadcastRequested,
		Timestamp: time.Now().Unix(),
		Payload:   payload,
	}
}

// ToMap converts the event to a map for Redis XADD.
// Redis Streams store field-value pairs, so we serialize to JSON in a "data" field.
func (e NotifyEvent) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"type": e.Type,
		"data": string(data),
	}, nil
}

// ParseNotifyEvent parses a NotifyEvent from Redis stream message values.
func ParseNotifyEvent(values map[string]interface{}) (NotifyEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return NotifyEvent{}, fmt.Errorf("missing or invalid 'data' field")
	}

	var event NotifyEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return NotifyEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return event, nil
}
