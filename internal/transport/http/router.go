package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"erpnotify/internal/handler"
	"erpnotify/internal/httputil"
	authmw "erpnotify/internal/transport/http/middleware"
	"erpnotify/internal/ws"
)

// RouterConfig holds the dependencies needed to create routes
type RouterConfig struct {
	SubscriptionHandler *handler.SubscriptionHandler
	NotificationHandler *handler.NotificationHandler
	UnsubscribeHandler  *handler.UnsubscribeHandler
	WSHandler           *ws.Handler
	JWTSecret           string
}

// NewRouter creates and configures a new Chi router with all route groups
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// Health check endpoint (useful for deployment/monitoring)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, 200, map[string]string{"status": "ok"})
	})

	// Public routes - unsubscribe links land here from mail clients
	r.Get("/unsubscribe/{token}", cfg.UnsubscribeHandler.Redeem)

	// Subscription registration and removal accept anonymous callers
	// (phone/device id); the handler enforces ownership for owned rows
	r.With(authmw.OptionalAuthMiddleware(cfg.JWTSecret)).Post("/subscribe", cfg.SubscriptionHandler.Register)
	r.With(authmw.OptionalAuthMiddleware(cfg.JWTSecret)).Delete("/subscriptions/{id}", cfg.SubscriptionHandler.Delete)

	// WebSocket endpoint authenticates via ?token= or the access_token cookie
	r.Get("/ws/notifications", cfg.WSHandler.Serve)

	// Protected routes - require authentication
	r.Group(func(r chi.Router) {
		r.Use(authmw.AuthMiddleware(cfg.JWTSecret))

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", cfg.NotificationHandler.List)
			r.Get("/unread-count", cfg.NotificationHandler.GetUnreadCount)
			r.Post("/{id}/mark-read", cfg.NotificationHandler.MarkRead)
			r.Post("/mark-all-read", cfg.NotificationHandler.MarkAllRead)
		})

		r.Get("/subscriptions", cfg.SubscriptionHandler.List)

		// Admin-only operations
		r.Group(func(r chi.Router) {
			r.Use(authmw.RequireAdmin)
			r.Post("/test-push", cfg.SubscriptionHandler.TestPush)
			r.Post("/broadcast", cfg.SubscriptionHandler.Broadcast)
		})
	})

	return r
}
