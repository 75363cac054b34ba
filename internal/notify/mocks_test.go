package notify_test

import (
	"context"
	"sync"
	"time"

	"erpnotify/internal/adapter"
	"erpnotify/internal/config"
	"erpnotify/internal/model"
	"erpnotify/internal/notify"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type MockPrefsRepo struct {
	rows map[int64]*model.UserPreferences
}

func NewMockPrefsRepo() *MockPrefsRepo {
	return &MockPrefsRepo{rows: make(map[int64]*model.UserPreferences)}
}

func (m *MockPrefsRepo) Get(ctx context.Context, userID int64) (*model.UserPreferences, error) {
	if p, ok := m.rows[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return model.DefaultPreferences(userID), nil
}

func (m *MockPrefsRepo) Upsert(ctx context.Context, p *model.UserPreferences) error {
	cp := *p
	m.rows[p.UserID] = &cp
	return nil
}

func (m *MockPrefsRepo) DisableChannel(ctx context.Context, userID int64, channel string) error {
	p, ok := m.rows[userID]
	if !ok {
		p = model.DefaultPreferences(userID)
		m.rows[userID] = p
	}
	p.DisableChannel(channel)
	return nil
}

type MockRecipientRepo struct {
	rows map[int64]*model.Recipient
}

func NewMockRecipientRepo() *MockRecipientRepo {
	return &MockRecipientRepo{rows: make(map[int64]*model.Recipient)}
}

func (m *MockRecipientRepo) GetByID(ctx context.Context, id int64) (*model.Recipient, error) {
	if r, ok := m.rows[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, model.ErrRecipientNotFound
}

func (m *MockRecipientRepo) ListByRole(ctx context.Context, role string) ([]model.Recipient, error) {
	var out []model.Recipient
	for _, r := range m.rows {
		if r.Role == role {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *MockRecipientRepo) ListIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var out []int64
	for id := range m.rows {
		if id > afterID {
			out = append(out, id)
		}
	}
	// Deterministic ascending order for paging.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRecipientRepo) SetOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	if r, ok := m.rows[id]; ok {
		r.IsOnline = online
		if !online {
			r.LastSeen = &at
		}
	}
	return nil
}

type MockSubsRepo struct {
	nextID int64
	rows   map[int64]*model.PushSubscription
}

func NewMockSubsRepo() *MockSubsRepo {
	return &MockSubsRepo{rows: make(map[int64]*model.PushSubscription)}
}

func (m *MockSubsRepo) Upsert(ctx context.Context, sub *model.PushSubscription) error {
	for _, existing := range m.rows {
		if existing.Endpoint == sub.Endpoint {
			existing.P256dh = sub.P256dh
			existing.Auth = sub.Auth
			existing.UserID = sub.UserID
			existing.Phone = sub.Phone
			existing.DeviceID = sub.DeviceID
			existing.Browser = sub.Browser
			existing.Platform = sub.Platform
			existing.IsWNS = sub.IsWNS
			existing.IsActive = true
			existing.UpdatedAt = time.Now()
			*sub = *existing
			return nil
		}
	}
	m.nextID++
	sub.ID = m.nextID
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	cp := *sub
	m.rows[sub.ID] = &cp
	return nil
}

func (m *MockSubsRepo) GetByID(ctx context.Context, id int64) (*model.PushSubscription, error) {
	if s, ok := m.rows[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, model.ErrSubscriptionNotFound
}

func (m *MockSubsRepo) ListActiveByUser(ctx context.Context, userID int64) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, s := range m.rows {
		if s.IsActive && s.UserID != nil && *s.UserID == userID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MockSubsRepo) ListActiveByPhone(ctx context.Context, phone string) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, s := range m.rows {
		if s.IsActive && s.Phone != nil && *s.Phone == phone {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MockSubsRepo) ListActiveByDevice(ctx context.Context, deviceID string) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, s := range m.rows {
		if s.IsActive && s.DeviceID != nil && *s.DeviceID == deviceID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MockSubsRepo) ListActive(ctx context.Context, afterID int64, limit int) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	for _, s := range m.rows {
		if s.IsActive && s.ID > afterID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MockSubsRepo) RecordAttempt(ctx context.Context, id int64, success bool, at time.Time) error {
	s, ok := m.rows[id]
	if !ok {
		return model.ErrSubscriptionNotFound
	}
	s.LastPushAttempt = &at
	if success {
		s.PushSuccessCount++
		s.LastSuccessfulPush = &at
	} else {
		s.PushFailureCount++
	}
	return nil
}

func (m *MockSubsRepo) Deactivate(ctx context.Context, id int64) error {
	if s, ok := m.rows[id]; ok {
		s.IsActive = false
	}
	return nil
}

func (m *MockSubsRepo) Delete(ctx context.Context, id int64) error {
	delete(m.rows, id)
	return nil
}

func (m *MockSubsRepo) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, s := range m.rows {
		if !s.IsActive || s.UpdatedAt.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

type MockTokenRepo struct {
	nextID int64
	rows   []*model.UnsubscribeToken
}

func NewMockTokenRepo() *MockTokenRepo { return &MockTokenRepo{} }

func identityMatches(t *model.UnsubscribeToken, id model.TokenIdentity) bool {
	eqInt := func(a, b *int64) bool {
		if a == nil || b == nil {
			return a == nil && b == nil
		}
		return *a == *b
	}
	eqStr := func(a, b *string) bool {
		if a == nil || b == nil {
			return a == nil && b == nil
		}
		return *a == *b
	}
	return eqInt(t.UserID, id.UserID) && eqStr(t.Email, id.Email) &&
		eqStr(t.Phone, id.Phone) && eqInt(t.SubscriptionID, id.SubscriptionID)
}

func (m *MockTokenRepo) Create(ctx context.Context, t *model.UnsubscribeToken) error {
	m.nextID++
	t.ID = m.nextID
	t.CreatedAt = time.Now()
	t.IsActive = true
	cp := *t
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *MockTokenRepo) GetActive(ctx context.Context, identity model.TokenIdentity, channel string) (*model.UnsubscribeToken, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		t := m.rows[i]
		if t.IsActive && t.Channel == channel && identityMatches(t, identity) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, model.ErrTokenNotFound
}

func (m *MockTokenRepo) GetByValue(ctx context.Context, token string) (*model.UnsubscribeToken, error) {
	for _, t := range m.rows {
		if t.Token == token {
			cp := *t
			return &cp, nil
		}
	}
	return nil, model.ErrTokenNotFound
}

func (m *MockTokenRepo) MarkUsed(ctx context.Context, id int64, at time.Time) (bool, error) {
	for _, t := range m.rows {
		if t.ID == id && t.IsActive {
			t.IsActive = false
			t.UsedAt = &at
			return true, nil
		}
	}
	return false, nil
}

func (m *MockTokenRepo) HasActive(ctx context.Context, identity model.TokenIdentity, channel string) (bool, error) {
	_, err := m.GetActive(ctx, identity, channel)
	return err == nil, nil
}

func (m *MockTokenRepo) HasRedeemed(ctx context.Context, identity model.TokenIdentity, channel string) (bool, error) {
	for _, t := range m.rows {
		if t.UsedAt != nil && t.Channel == channel && identityMatches(t, identity) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockTokenRepo) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for _, t := range m.rows {
		if t.IsActive && t.ExpiresAt != nil && t.ExpiresAt.Before(now) {
			t.IsActive = false
			n++
		}
	}
	return n, nil
}

type storedPlanRow struct {
	ID           int64
	Payload      []byte
	ScheduledFor time.Time
}

type MockPlanRepo struct {
	nextID int64
	rows   []storedPlanRow
}

func NewMockPlanRepo() *MockPlanRepo { return &MockPlanRepo{} }

func (m *MockPlanRepo) Create(ctx context.Context, payload []byte, scheduledFor time.Time) (int64, error) {
	m.nextID++
	m.rows = append(m.rows, storedPlanRow{ID: m.nextID, Payload: payload, ScheduledFor: scheduledFor})
	return m.nextID, nil
}

func (m *MockPlanRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledPlan, error) {
	var out []model.ScheduledPlan
	var keep []storedPlanRow
	for _, r := range m.rows {
		if len(out) < limit && !r.ScheduledFor.After(now) {
			out = append(out, model.ScheduledPlan{ID: r.ID, PayloadBlob: r.Payload, ScheduledFor: r.ScheduledFor})
		} else {
			keep = append(keep, r)
		}
	}
	m.rows = keep
	return out, nil
}

func (m *MockPlanRepo) Delete(ctx context.Context, id int64) error {
	for i, r := range m.rows {
		if r.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

type MockAttemptRepo struct {
	mu       sync.Mutex
	attempts []model.DeliveryAttempt
}

func (m *MockAttemptRepo) Create(ctx context.Context, a *model.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *MockAttemptRepo) ListByPlan(ctx context.Context, planID string) ([]model.DeliveryAttempt, error) {
	return nil, nil
}

type MockNotifRepo struct {
	nextID int64
	rows   []*model.Notification
}

func (m *MockNotifRepo) Create(ctx context.Context, n *model.Notification) error {
	m.nextID++
	n.ID = m.nextID
	n.CreatedAt = time.Now()
	cp := *n
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *MockNotifRepo) List(ctx context.Context, recipientID int64, cursor *time.Time, limit int) ([]model.Notification, *time.Time, error) {
	return nil, nil, nil
}

func (m *MockNotifRepo) MarkRead(ctx context.Context, recipientID, notificationID int64) error {
	return nil
}

func (m *MockNotifRepo) MarkAllRead(ctx context.Context, recipientID int64) error { return nil }

func (m *MockNotifRepo) UnreadCount(ctx context.Context, recipientID int64) (int, error) {
	return 0, nil
}

func (m *MockNotifRepo) SetDispatchStatus(ctx context.Context, notificationID int64, status string) error {
	return nil
}

func (m *MockNotifRepo) ReapRead(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

// MockSubmitter collects scheduler submissions. With acceptLimit > 0 it
// accepts that many entries and then reports shutdown, like a scheduler
// draining mid-dispatch.
type MockSubmitter struct {
	mu          sync.Mutex
	entries     []*adapter.Entry
	acceptLimit int
}

func (m *MockSubmitter) Submit(ctx context.Context, e *adapter.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acceptLimit > 0 && len(m.entries) >= m.acceptLimit {
		return model.ErrSchedulerShutdown
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *MockSubmitter) ByChannel(channel string) []*adapter.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*adapter.Entry
	for _, e := range m.entries {
		if e.Channel == channel {
			out = append(out, e)
		}
	}
	return out
}

// MockHub records real-time publishes.
type MockHub struct {
	published []*model.Notification
}

func (m *MockHub) PublishNotification(recipientID int64, n *model.Notification) {
	m.published = append(m.published, n)
}

// WindowDedup is an in-memory stand-in for the Redis window.
type WindowDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewWindowDedup() *WindowDedup {
	return &WindowDedup{seen: make(map[string]time.Time)}
}

func (d *WindowDedup) ShouldSend(ctx context.Context, recipientKey, channel, address, contentHash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := recipientKey + "|" + channel + "|" + address + "|" + contentHash
	if at, ok := d.seen[key]; ok && time.Since(at) < notify.DedupWindow {
		return false
	}
	d.seen[key] = time.Now()
	return true
}

// =============================================================================
// Test Fixture
// =============================================================================

type engineFixture struct {
	engine     *notify.Engine
	registry   *notify.Registry
	prefs      *MockPrefsRepo
	recipients *MockRecipientRepo
	subs       *MockSubsRepo
	tokens     *MockTokenRepo
	plans      *MockPlanRepo
	attempts   *MockAttemptRepo
	notifs     *MockNotifRepo
	sched      *MockSubmitter
	hub        *MockHub
	dedup      *WindowDedup
}

func newEngineFixture() *engineFixture {
	f := &engineFixture{
		prefs:      NewMockPrefsRepo(),
		recipients: NewMockRecipientRepo(),
		subs:       NewMockSubsRepo(),
		tokens:     NewMockTokenRepo(),
		plans:      NewMockPlanRepo(),
		attempts:   &MockAttemptRepo{},
		notifs:     &MockNotifRepo{},
		sched:      &MockSubmitter{},
		hub:        &MockHub{},
		dedup:      NewWindowDedup(),
	}
	f.registry = notify.NewRegistry(f.subs, f.tokens, f.prefs)
	cfg := &config.Config{BroadcastBatchSize: 50}
	f.engine = notify.NewEngine(
		cfg, f.registry, f.prefs, f.recipients, f.subs, f.plans, f.attempts,
		adapter.NewInAppAdapter(f.notifs), f.sched, f.dedup, f.hub,
	)
	return f
}

// rebuildWithBatchSize rewires the engine with a different broadcast batch
// size, keeping every mock.
func rebuildWithBatchSize(f *engineFixture, batch int) *notify.Engine {
	cfg := &config.Config{BroadcastBatchSize: batch}
	return notify.NewEngine(
		cfg, f.registry, f.prefs, f.recipients, f.subs, f.plans, f.attempts,
		adapter.NewInAppAdapter(f.notifs), f.sched, f.dedup, f.hub,
	)
}

func (f *engineFixture) addUser(id int64, email, phone string, role string) {
	r := &model.Recipient{ID: id, Role: role}
	if email != "" {
		r.Email = &email
	}
	if phone != "" {
		r.Phone = &phone
	}
	f.recipients.rows[id] = r
}

func (f *engineFixture) addSubscription(userID int64, endpoint string) *model.PushSubscription {
	sub := &model.PushSubscription{
		Endpoint: endpoint,
		P256dh:   "p256",
		Auth:     "auth",
		UserID:   &userID,
		IsActive: true,
	}
	f.subs.Upsert(context.Background(), sub)
	return sub
}
