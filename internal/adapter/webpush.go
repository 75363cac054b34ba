package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	webpush "github.com/SherClockHolmes/webpush-go"

	"erpnotify/internal/model"
)

// MaxPushPayload is the hard payload ceiling push services enforce.
const MaxPushPayload = 4096

// WebPushPayload is the JSON body every push carries. The service worker on
// the client side keys its rendering off notification_type.
type WebPushPayload struct {
	Title            string         `json:"title"`
	Body             string         `json:"body"`
	URL              string         `json:"url,omitempty"`
	NotificationType string         `json:"notification_type"`
	Data             map[string]any `json:"data,omitempty"`
}

// WebPushAdapter signs requests with the process-wide VAPID key pair. WNS
// endpoints get a raw, unencrypted POST instead: Windows ignores the
// encrypted body, and WNS subscriptions carry no client keys to encrypt with.
type WebPushAdapter struct {
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	client          *http.Client
}

func NewWebPushAdapter(vapidPublicKey, vapidPrivateKey, subscriber string) *WebPushAdapter {
	return &WebPushAdapter{
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      subscriber,
		client:          &http.Client{Timeout: TimeoutWebPush},
	}
}

func (a *WebPushAdapter) Name() string { return model.ChannelWebPush }

func (a *WebPushAdapter) Send(ctx context.Context, e *Entry) Result {
	sub := e.Subscription
	if sub == nil {
		return rejected("no_subscription")
	}

	payload := WebPushPayload{
		Title:            e.Title,
		Body:             e.Body,
		NotificationType: e.Kind,
	}
	if e.ActionURL != nil {
		payload.URL = *e.ActionURL
	}
	data := map[string]any{}
	if e.NotificationID != nil {
		data["notification_id"] = *e.NotificationID
	}
	if e.ImageURL != nil {
		data["image_url"] = *e.ImageURL
	}
	if e.Target != nil {
		data["target_kind"] = e.Target.Kind
		data["target_id"] = e.Target.ID
	}
	if len(data) > 0 {
		payload.Data = data
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return permanent("bad_payload", fmt.Errorf("marshal push payload: %w", err))
	}
	if len(body) > MaxPushPayload {
		return permanent("payload_too_large", fmt.Errorf("push payload %d bytes", len(body)))
	}

	if sub.IsWNS {
		return a.sendWNS(ctx, sub, body)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      a.client,
		Subscriber:      a.subscriber,
		VAPIDPublicKey:  a.vapidPublicKey,
		VAPIDPrivateKey: a.vapidPrivateKey,
		TTL:             86400,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		if ctx.Err() != nil {
			return transient("push_timeout", ctx.Err())
		}
		return transient("push_network", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return classifyPushStatus(resp.StatusCode, sub.Endpoint)
}

// sendWNS posts the payload without encryption. WNS accepts wns/raw bodies
// and delivers them to the UWP handler; browsers never see these endpoints.
func (a *WebPushAdapter) sendWNS(ctx context.Context, sub *model.PushSubscription, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(body))
	if err != nil {
		return permanent("bad_request", fmt.Errorf("build wns request: %w", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-WNS-Type", "wns/raw")
	req.Header.Set("TTL", strconv.Itoa(86400))

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return transient("push_timeout", ctx.Err())
		}
		return transient("push_network", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	return classifyPushStatus(resp.StatusCode, sub.Endpoint)
}

// classifyPushStatus maps the push service reply onto the outcome taxonomy.
// 404/410 mean the endpoint is gone for good and the subscription must be
// deactivated; 413 cannot heal by retrying the same payload.
func classifyPushStatus(status int, endpoint string) Result {
	switch {
	case status >= 200 && status < 300:
		log.Printf("[WebPush] Sent: endpoint=%.40s... status=%d", endpoint, status)
		return ok("")
	case status == http.StatusNotFound || status == http.StatusGone:
		return permanent("endpoint_gone", fmt.Errorf("push service returned %d", status))
	case status == http.StatusRequestEntityTooLarge:
		return permanent("payload_too_large", fmt.Errorf("push service returned 413"))
	case status == http.StatusTooManyRequests:
		return transient("rate_limited", fmt.Errorf("push service returned 429"))
	case status >= 500:
		return transient("push_5xx", fmt.Errorf("push service returned %d", status))
	default:
		return permanent("push_rejected", fmt.Errorf("push service returned %d", status))
	}
}
