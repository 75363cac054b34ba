package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"erpnotify/internal/httputil"
	"erpnotify/internal/model"
	"erpnotify/internal/notify"
	"erpnotify/internal/repository"
	"erpnotify/internal/transport/http/middleware"
)

// BroadcastEnqueuer parks an admin broadcast on the intake stream so the
// worker pool resolves the target population off the request path.
type BroadcastEnqueuer interface {
	PublishBroadcast(ctx context.Context, payload []byte) (string, error)
}

type SubscriptionHandler struct {
	registry  *notify.Registry
	engine    *notify.Engine
	subs      repository.SubscriptionRepository
	publisher BroadcastEnqueuer
}

func NewSubscriptionHandler(registry *notify.Registry, engine *notify.Engine, subs repository.SubscriptionRepository, publisher BroadcastEnqueuer) *SubscriptionHandler {
	return &SubscriptionHandler{
		registry:  registry,
		engine:    engine,
		subs:      subs,
		publisher: publisher,
	}
}

// Register handles POST /subscribe
// Accepts both authenticated and anonymous registrations.
func (h *SubscriptionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}

	var userID *int64
	if id, ok := middleware.GetUserIDFromContext(r.Context()); ok {
		userID = &id
	}

	sub, err := h.registry.Register(r.Context(), &req, userID, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidEndpoint),
			errors.Is(err, model.ErrMissingKeys),
			errors.Is(err, model.ErrAnonymousMissingIdentifier):
			httputil.WriteBadRequest(w, err.Error())
		default:
			log.Printf("[ERROR] Register subscription: err=%v", err)
			httputil.WriteInternalError(w, "Failed to register subscription")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, sub)
}

// subscriptionView decorates a subscription with its derived health score.
type subscriptionView struct {
	model.PushSubscription
	HealthScore int `json:"health_score"`
}

// List handles GET /subscriptions
// Returns the authenticated user's active subscriptions with health scores.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	subs, err := h.subs.ListActiveByUser(r.Context(), userID)
	if err != nil {
		log.Printf("[ERROR] List subscriptions: user=%d err=%v", userID, err)
		httputil.WriteInternalError(w, "Failed to list subscriptions")
		return
	}

	now := time.Now()
	views := make([]subscriptionView, 0, len(subs))
	for _, s := range subs {
		views = append(views, subscriptionView{
			PushSubscription: s,
			HealthScore:      s.HealthScore(now),
		})
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": views,
	})
}

// deleteSubscriptionRequest carries proof of possession for anonymous
// subscriptions: the caller must echo back something only the registering
// device knows.
type deleteSubscriptionRequest struct {
	Endpoint string `json:"endpoint,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Phone    string `json:"phone,omitempty"`
}

// matches reports whether the request proves possession of the subscription.
func (req *deleteSubscriptionRequest) matches(sub *model.PushSubscription) bool {
	if req.Endpoint != "" && req.Endpoint == sub.Endpoint {
		return true
	}
	if req.DeviceID != "" && sub.DeviceID != nil && req.DeviceID == *sub.DeviceID {
		return true
	}
	if req.Phone != "" && sub.Phone != nil && req.Phone == *sub.Phone {
		return true
	}
	return false
}

// Delete handles DELETE /subscriptions/{id}
// A user may remove their own subscriptions. Anonymous subscriptions have no
// owner, so the caller must prove possession by echoing the endpoint, device
// id, or phone the subscription was registered with; a bare id is not enough.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid subscription ID")
		return
	}

	sub, err := h.subs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrSubscriptionNotFound) {
			httputil.WriteNotFound(w, "Subscription not found")
			return
		}
		log.Printf("[ERROR] Get subscription: id=%d err=%v", id, err)
		httputil.WriteInternalError(w, "Failed to delete subscription")
		return
	}

	if sub.UserID != nil {
		userID, ok := middleware.GetUserIDFromContext(r.Context())
		if !ok || userID != *sub.UserID {
			httputil.WriteForbidden(w, "Not your subscription")
			return
		}
	} else {
		var req deleteSubscriptionRequest
		if r.Body != nil {
			// Body is optional for owned subscriptions, so decode errors
			// just leave the proof empty.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if !req.matches(sub) {
			httputil.WriteForbidden(w, "Subscription identifier required")
			return
		}
	}

	if err := h.subs.Delete(r.Context(), id); err != nil {
		log.Printf("[ERROR] Delete subscription: id=%d err=%v", id, err)
		httputil.WriteInternalError(w, "Failed to delete subscription")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Subscription deleted",
	})
}

// TestPush handles POST /test-push (admin)
// Sends a probe notification to every channel the target user can receive.
type testPushRequest struct {
	UserID int64 `json:"user_id"`
}

func (h *SubscriptionHandler) TestPush(w http.ResponseWriter, r *http.Request) {
	var req testPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.UserID <= 0 {
		httputil.WriteBadRequest(w, "user_id is required")
		return
	}

	planID, err := h.engine.TestPush(r.Context(), req.UserID)
	if err != nil {
		log.Printf("[ERROR] Test push: user=%d err=%v", req.UserID, err)
		httputil.WriteInternalError(w, "Failed to send test notification")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Test notification dispatched",
		"plan_id": planID,
	})
}

// Broadcast handles POST /broadcast (admin)
// Validates the request and enqueues it; workers resolve the population.
func (h *SubscriptionHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req notify.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Title == "" || req.Body == "" {
		httputil.WriteBadRequest(w, "title and body are required")
		return
	}
	switch req.Target {
	case notify.BroadcastTargetAll, notify.BroadcastTargetRole,
		notify.BroadcastTargetUsers, notify.BroadcastTargetPhones:
	default:
		httputil.WriteBadRequest(w, "Invalid broadcast target")
		return
	}

	payload, err := json.Marshal(&req)
	if err != nil {
		httputil.WriteInternalError(w, "Failed to encode broadcast")
		return
	}

	msgID, err := h.publisher.PublishBroadcast(r.Context(), payload)
	if err != nil {
		log.Printf("[ERROR] Enqueue broadcast: target=%s err=%v", req.Target, err)
		httputil.WriteInternalError(w, "Failed to enqueue broadcast")
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"message":    "Broadcast enqueued",
		"message_id": msgID,
	})
}
