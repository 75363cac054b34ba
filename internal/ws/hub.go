// Package ws is the real-time broadcaster: it tracks connected WebSocket
// sessions per recipient and forwards in-app notifications as they are
// planned. Each session has a single writer goroutine fed by a FIFO channel,
// which keeps delivery order strictly monotone per session.
package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"erpnotify/internal/model"
	"erpnotify/internal/repository"
)

const (
	// pingInterval is how often the server pings each session.
	pingInterval = 30 * time.Second
	// idleTimeout closes sessions that stop answering pings.
	idleTimeout = 90 * time.Second
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// sendBuffer is the per-session outbound queue. A session that falls
	// this far behind is dropped rather than blocking the hub.
	sendBuffer = 32

	maxMessageSize = 512
)

// Message types on the wire.
const (
	TypeNotification = "notification"
	TypePresence     = "presence"
	TypeUnreadCount  = "unread_count"
	TypeTyping       = "typing"
)

// Envelope is the single message shape all types share.
type Envelope struct {
	Type      string     `json:"type"`
	ID        int64      `json:"id,omitempty"`
	Title     string     `json:"title,omitempty"`
	Body      string     `json:"body,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	ActionURL *string    `json:"action_url,omitempty"`
	ImageURL  *string    `json:"image_url,omitempty"`
	IconHint  string     `json:"icon_hint,omitempty"`

	// Presence and unread_count payloads.
	UserID int64 `json:"user_id,omitempty"`
	Online *bool `json:"online,omitempty"`
	Count  *int  `json:"count,omitempty"`
}

// Session is one connected WebSocket client.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID int64
	send   chan Envelope

	closeOnce sync.Once
}

// Hub maps recipient ids to their live sessions. Reads (every publish) far
// outnumber writes (connect/disconnect), hence the RWMutex.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[*Session]struct{}

	recipients repository.RecipientRepository
}

func NewHub(recipients repository.RecipientRepository) *Hub {
	return &Hub{
		sessions:   make(map[int64]map[*Session]struct{}),
		recipients: recipients,
	}
}

// PublishNotification forwards an in-app row to every session of the
// recipient. Implements the planner's Broadcaster.
func (h *Hub) PublishNotification(recipientID int64, n *model.Notification) {
	created := n.CreatedAt
	h.publish(recipientID, Envelope{
		Type:      TypeNotification,
		ID:        n.ID,
		Title:     n.Title,
		Body:      n.Body,
		Kind:      n.Kind,
		CreatedAt: &created,
		ActionURL: n.ActionURL,
		ImageURL:  n.ImageURL,
		IconHint:  n.IconHint(),
	})
}

// PublishUnreadCount pushes the fresh badge count after mark-read actions.
func (h *Hub) PublishUnreadCount(recipientID int64, count int) {
	h.publish(recipientID, Envelope{
		Type:   TypeUnreadCount,
		UserID: recipientID,
		Count:  &count,
	})
}

func (h *Hub) publish(recipientID int64, env Envelope) {
	h.mu.RLock()
	var slow []*Session
	for s := range h.sessions[recipientID] {
		select {
		case s.send <- env:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		log.Printf("[WS] Dropping slow session: user=%d", s.userID)
		s.close()
	}
}

// SessionCount returns how many live sessions a recipient has.
func (h *Hub) SessionCount(recipientID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[recipientID])
}

// Attach registers an upgraded connection and starts its pumps. It returns
// once the session ends.
func (h *Hub) Attach(conn *websocket.Conn, userID int64) {
	s := &Session{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan Envelope, sendBuffer),
	}
	h.add(s)
	go s.writePump()
	s.readPump()
}

func (h *Hub) add(s *Session) {
	h.mu.Lock()
	first := len(h.sessions[s.userID]) == 0
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[*Session]struct{})
	}
	h.sessions[s.userID][s] = struct{}{}
	total := len(h.sessions[s.userID])
	h.mu.Unlock()

	log.Printf("[WS] Connected: user=%d sessions=%d", s.userID, total)
	if first {
		h.setOnline(s.userID, true)
	}
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	last := false
	if conns, ok := h.sessions[s.userID]; ok {
		if _, present := conns[s]; present {
			delete(conns, s)
			if len(conns) == 0 {
				delete(h.sessions, s.userID)
				last = true
			}
		} else {
			h.mu.Unlock()
			return
		}
	} else {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	log.Printf("[WS] Disconnected: user=%d", s.userID)
	if last {
		h.setOnline(s.userID, false)
	}
}

// setOnline flips presence; going offline stamps last_seen.
func (h *Hub) setOnline(userID int64, online bool) {
	if h.recipients == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.recipients.SetOnline(ctx, userID, online, time.Now()); err != nil {
		log.Printf("[WS] Presence update failed: user=%d online=%v err=%v", userID, online, err)
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.hub.remove(s)
		close(s.send)
		_ = s.conn.Close()
	})
}

// writePump is the session's single writer: everything queued on send goes
// out in order, interleaved only with pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(env); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

// readPump consumes client frames only to service pongs and detect closure;
// clients do not speak application messages on this socket.
func (s *Session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}
