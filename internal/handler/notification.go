package handler

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"erpnotify/internal/httputil"
	"erpnotify/internal/repository"
	"erpnotify/internal/transport/http/middleware"
	"erpnotify/internal/ws"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type NotificationHandler struct {
	notifs repository.NotificationRepository
	hub    *ws.Hub
}

func NewNotificationHandler(notifs repository.NotificationRepository, hub *ws.Hub) *NotificationHandler {
	return &NotificationHandler{
		notifs: notifs,
		hub:    hub,
	}
}

// List handles GET /notifications
// Keyset-paged by created_at: pass ?cursor=<RFC3339> to continue.
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	limit := defaultPageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			httputil.WriteBadRequest(w, "Invalid limit parameter")
			return
		}
		if parsed > maxPageLimit {
			parsed = maxPageLimit
		}
		limit = parsed
	}

	var cursor *time.Time
	if c := r.URL.Query().Get("cursor"); c != "" {
		parsed, err := time.Parse(time.RFC3339Nano, c)
		if err != nil {
			httputil.WriteBadRequest(w, "Invalid cursor parameter")
			return
		}
		cursor = &parsed
	}

	notifications, next, err := h.notifs.List(r.Context(), userID, cursor, limit)
	if err != nil {
		log.Printf("[ERROR] List notifications: user=%d err=%v", userID, err)
		httputil.WriteInternalError(w, "Failed to get notifications")
		return
	}

	resp := map[string]interface{}{
		"notifications": notifications,
	}
	if next != nil {
		resp["next_cursor"] = next.Format(time.RFC3339Nano)
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// GetUnreadCount handles GET /notifications/unread-count
// Returns the count of unread notifications (for badge display).
func (h *NotificationHandler) GetUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	count, err := h.notifs.UnreadCount(r.Context(), userID)
	if err != nil {
		log.Printf("[ERROR] Get unread count: user=%d err=%v", userID, err)
		httputil.WriteInternalError(w, "Failed to get unread count")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]int{
		"count": count,
	})
}

// MarkRead handles POST /notifications/{id}/mark-read
// Marks one notification as read and pushes the fresh badge count over WS.
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httputil.WriteBadRequest(w, "Invalid notification ID")
		return
	}

	if err := h.notifs.MarkRead(r.Context(), userID, id); err != nil {
		log.Printf("[ERROR] Mark notification read: user=%d id=%d err=%v", userID, id, err)
		httputil.WriteInternalError(w, "Failed to mark notification as read")
		return
	}

	h.pushUnreadCount(r, userID)

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "Notification marked as read",
	})
}

// MarkAllRead handles POST /notifications/mark-all-read
// Marks all notifications as read for the authenticated user.
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "Authentication required")
		return
	}

	if err := h.notifs.MarkAllRead(r.Context(), userID); err != nil {
		log.Printf("[ERROR] Mark all notifications read: user=%d err=%v", userID, err)
		httputil.WriteInternalError(w, "Failed to mark all notifications as read")
		return
	}

	h.hub.PublishUnreadCount(userID, 0)

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "All notifications marked as read",
	})
}

func (h *NotificationHandler) pushUnreadCount(r *http.Request, userID int64) {
	count, err := h.notifs.UnreadCount(r.Context(), userID)
	if err != nil {
		log.Printf("[ERROR] Refresh unread count: user=%d err=%v", userID, err)
		return
	}
	h.hub.PublishUnreadCount(userID, count)
}
