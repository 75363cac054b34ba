package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"erpnotify/internal/model"
	"erpnotify/internal/ws"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type presenceCall struct {
	userID int64
	online bool
}

type MockRecipientRepo struct {
	mu    sync.Mutex
	calls []presenceCall
}

func (m *MockRecipientRepo) GetByID(ctx context.Context, id int64) (*model.Recipient, error) {
	return nil, model.ErrRecipientNotFound
}

func (m *MockRecipientRepo) ListByRole(ctx context.Context, role string) ([]model.Recipient, error) {
	return nil, nil
}

func (m *MockRecipientRepo) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	return nil, nil
}

func (m *MockRecipientRepo) SetOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, presenceCall{userID: id, online: online})
	return nil
}

func (m *MockRecipientRepo) Calls() []presenceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]presenceCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// =============================================================================
// Test Helpers
// =============================================================================

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestServer upgrades any request and attaches the session for the user id
// carried in the ?user= query param.
func newTestServer(t *testing.T, hub *ws.Hub) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			http.Error(w, "bad user", http.StatusBadRequest)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go hub.Attach(conn, userID)
	}))
}

func dial(t *testing.T, srv *httptest.Server, userID int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + strconv.FormatInt(userID, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func waitForSessions(t *testing.T, hub *ws.Hub, userID int64, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SessionCount(userID) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("User %d never reached %d sessions (have %d)", userID, want, hub.SessionCount(userID))
}

// =============================================================================
// Hub Tests
// =============================================================================

func TestPublishReachesEverySessionOfRecipient(t *testing.T) {
	hub := ws.NewHub(nil)
	srv := newTestServer(t, hub)
	defer srv.Close()

	c1 := dial(t, srv, 1)
	defer c1.Close()
	c2 := dial(t, srv, 1)
	defer c2.Close()
	other := dial(t, srv, 2)
	defer other.Close()
	waitForSessions(t, hub, 1, 2)
	waitForSessions(t, hub, 2, 1)

	now := time.Now()
	hub.PublishNotification(1, &model.Notification{
		ID:        42,
		Kind:      model.KindPayment,
		Title:     "Paid",
		Body:      "RWF 5000",
		CreatedAt: now,
	})

	for _, conn := range []*websocket.Conn{c1, c2} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("ReadJSON failed: %v", err)
		}
		if env.Type != ws.TypeNotification || env.ID != 42 || env.Kind != model.KindPayment {
			t.Errorf("Wrong envelope: %+v", env)
		}
	}

	// User 2 must not receive user 1's notification.
	other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var env ws.Envelope
	if err := other.ReadJSON(&env); err == nil {
		t.Errorf("User 2 received a foreign notification: %+v", env)
	}
}

func TestPerSessionOrderIsMonotone(t *testing.T) {
	hub := ws.NewHub(nil)
	srv := newTestServer(t, hub)
	defer srv.Close()

	conn := dial(t, srv, 1)
	defer conn.Close()
	waitForSessions(t, hub, 1, 1)

	base := time.Now()
	const n = 20
	for i := 0; i < n; i++ {
		hub.PublishNotification(1, &model.Notification{
			ID:        int64(i + 1),
			Kind:      model.KindChat,
			Title:     "m",
			Body:      "b",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}

	var last time.Time
	for i := 0; i < n; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("ReadJSON %d failed: %v", i, err)
		}
		if env.ID != int64(i+1) {
			t.Fatalf("Out of order: expected id %d, got %d", i+1, env.ID)
		}
		if env.CreatedAt.Before(last) {
			t.Fatalf("created_at went backwards at message %d", i)
		}
		last = *env.CreatedAt
	}
}

func TestUnreadCountEnvelope(t *testing.T) {
	hub := ws.NewHub(nil)
	srv := newTestServer(t, hub)
	defer srv.Close()

	conn := dial(t, srv, 1)
	defer conn.Close()
	waitForSessions(t, hub, 1, 1)

	hub.PublishUnreadCount(1, 7)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env ws.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if env.Type != ws.TypeUnreadCount || env.Count == nil || *env.Count != 7 {
		t.Errorf("Wrong unread_count envelope: %+v", env)
	}
}

func TestPresenceFlipsOnConnectAndDisconnect(t *testing.T) {
	repo := &MockRecipientRepo{}
	hub := ws.NewHub(repo)
	srv := newTestServer(t, hub)
	defer srv.Close()

	c1 := dial(t, srv, 1)
	c2 := dial(t, srv, 1)
	waitForSessions(t, hub, 1, 2)

	// Only the first session flips online.
	calls := repo.Calls()
	if len(calls) != 1 || !calls[0].online || calls[0].userID != 1 {
		t.Fatalf("Expected single online flip, got %v", calls)
	}

	c1.Close()
	waitForSessions(t, hub, 1, 1)
	if got := repo.Calls(); len(got) != 1 {
		t.Fatalf("Closing one of two sessions must not flip offline, got %v", got)
	}

	c2.Close()
	waitForSessions(t, hub, 1, 0)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(repo.Calls()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	calls = repo.Calls()
	if len(calls) != 2 || calls[1].online {
		t.Fatalf("Expected offline flip after last session closed, got %v", calls)
	}
}
