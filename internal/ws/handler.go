package ws

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"erpnotify/internal/httputil"
	"erpnotify/internal/model"
	"erpnotify/internal/transport/http/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers enforce cookie/token auth below; origin pinning is left to
		// the fronting proxy.
		return true
	},
}

// Handler upgrades GET /ws/notifications. The browser WebSocket API cannot
// set an Authorization header, so the token also travels as a query param or
// the session cookie.
type Handler struct {
	hub       *Hub
	jwtSecret string
}

func NewHandler(hub *Hub, jwtSecret string) *Handler {
	return &Handler{hub: hub, jwtSecret: jwtSecret}
}

func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		if cookie, err := r.Cookie("access_token"); err == nil {
			tokenString = cookie.Value
		}
	}
	if tokenString == "" {
		httputil.WriteUnauthorized(w, "Missing authentication token")
		return
	}

	userID, err := middleware.ParseUserID(tokenString, h.jwtSecret)
	if err != nil {
		httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid authentication token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: user=%d err=%v", userID, err)
		return
	}

	h.hub.Attach(conn, userID)
}
