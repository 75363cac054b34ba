package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"erpnotify/internal/model"
	"erpnotify/internal/notify"
)

const edgeOnWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0 Safari/537.36 Edg/120.0"

func newRegistry() (*notify.Registry, *MockSubsRepo, *MockTokenRepo, *MockPrefsRepo) {
	subs := NewMockSubsRepo()
	tokens := NewMockTokenRepo()
	prefs := NewMockPrefsRepo()
	return notify.NewRegistry(subs, tokens, prefs), subs, tokens, prefs
}

// =============================================================================
// Registration Tests
// =============================================================================

func TestRegisterWNSWithoutKeys(t *testing.T) {
	r, _, _, _ := newRegistry()
	device := "d42"

	sub, err := r.Register(context.Background(), &model.RegisterSubscriptionRequest{
		Endpoint: "https://wns2-by3p.notify.windows.com/w/abc",
		DeviceID: &device,
	}, nil, edgeOnWindowsUA)
	if err != nil {
		t.Fatalf("WNS registration must accept empty keys: %v", err)
	}
	if !sub.IsWNS {
		t.Error("Expected is_wns=true")
	}
	if sub.Platform != model.PlatformWindows {
		t.Errorf("Expected Windows platform, got %s", sub.Platform)
	}
	if sub.Browser != model.BrowserEdge {
		t.Errorf("Expected Edge, got %s", sub.Browser)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _, _, _ := newRegistry()
	userID := int64(1)

	cases := []struct {
		name    string
		req     *model.RegisterSubscriptionRequest
		userID  *int64
		wantErr error
	}{
		{
			"plain http endpoint",
			&model.RegisterSubscriptionRequest{Endpoint: "http://push.example.com/x", P256dh: "p", Auth: "a"},
			&userID, model.ErrInvalidEndpoint,
		},
		{
			"garbage endpoint",
			&model.RegisterSubscriptionRequest{Endpoint: "::not a url::", P256dh: "p", Auth: "a"},
			&userID, model.ErrInvalidEndpoint,
		},
		{
			"non-WNS without keys",
			&model.RegisterSubscriptionRequest{Endpoint: "https://fcm.googleapis.com/fcm/send/x"},
			&userID, model.ErrMissingKeys,
		},
		{
			"anonymous without identifier",
			&model.RegisterSubscriptionRequest{Endpoint: "https://fcm.googleapis.com/fcm/send/x", P256dh: "p", Auth: "a"},
			nil, model.ErrAnonymousMissingIdentifier,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Register(context.Background(), tc.req, tc.userID, "")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestRegisterEndpointUniqueness(t *testing.T) {
	r, subs, _, _ := newRegistry()
	userID := int64(1)
	req := &model.RegisterSubscriptionRequest{
		Endpoint: "https://fcm.googleapis.com/fcm/send/x",
		P256dh:   "old-key",
		Auth:     "old-auth",
	}

	first, err := r.Register(context.Background(), req, &userID, "")
	if err != nil {
		t.Fatalf("First registration failed: %v", err)
	}

	req.P256dh = "new-key"
	req.Auth = "new-auth"
	second, err := r.Register(context.Background(), req, &userID, "")
	if err != nil {
		t.Fatalf("Re-registration failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Re-subscribing must update, not duplicate: ids %d vs %d", first.ID, second.ID)
	}
	if len(subs.rows) != 1 {
		t.Errorf("Expected exactly 1 row for the endpoint, got %d", len(subs.rows))
	}
	stored, _ := subs.GetByID(context.Background(), first.ID)
	if stored.P256dh != "new-key" {
		t.Errorf("Keys must refresh on re-registration, got %q", stored.P256dh)
	}
}

// =============================================================================
// Token Tests
// =============================================================================

func TestMintTokenIdempotent(t *testing.T) {
	r, _, _, _ := newRegistry()
	userID := int64(1)
	identity := model.TokenIdentity{UserID: &userID}

	t1, err := r.MintToken(context.Background(), identity, model.TokenChannelEmail)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	t2, err := r.MintToken(context.Background(), identity, model.TokenChannelEmail)
	if err != nil {
		t.Fatalf("Second MintToken failed: %v", err)
	}
	if t1.Token != t2.Token {
		t.Errorf("Expected the same active token back")
	}

	// Different channel mints a different token.
	t3, err := r.MintToken(context.Background(), identity, model.TokenChannelSMS)
	if err != nil {
		t.Fatalf("MintToken for sms failed: %v", err)
	}
	if t3.Token == t1.Token {
		t.Errorf("Channels must not share tokens")
	}
}

func TestRedeemExpiredToken(t *testing.T) {
	r, _, tokens, _ := newRegistry()
	userID := int64(1)
	past := time.Now().Add(-time.Hour)
	tok := &model.UnsubscribeToken{
		Token:     model.NewTokenValue(),
		Channel:   model.TokenChannelEmail,
		UserID:    &userID,
		ExpiresAt: &past,
	}
	tokens.Create(context.Background(), tok)

	_, redeemed, err := r.RedeemToken(context.Background(), tok.Token)
	if err == nil || redeemed {
		t.Errorf("Expired token must not redeem, got redeemed=%v err=%v", redeemed, err)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	r, _, _, _ := newRegistry()
	_, _, err := r.RedeemToken(context.Background(), "no-such-token")
	if !errors.Is(err, model.ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound, got %v", err)
	}
}

func TestRedeemPushTokenDeactivatesSubscription(t *testing.T) {
	r, subs, _, _ := newRegistry()
	userID := int64(1)
	sub := &model.PushSubscription{
		Endpoint: "https://fcm.googleapis.com/fcm/send/x",
		P256dh:   "p", Auth: "a",
		UserID:   &userID,
		IsActive: true,
	}
	subs.Upsert(context.Background(), sub)

	tok, err := r.MintToken(context.Background(), model.TokenIdentity{SubscriptionID: &sub.ID}, model.TokenChannelPush)
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	if _, redeemed, err := r.RedeemToken(context.Background(), tok.Token); err != nil || !redeemed {
		t.Fatalf("RedeemToken failed: %v", err)
	}

	stored, _ := subs.GetByID(context.Background(), sub.ID)
	if stored.IsActive {
		t.Error("Subscription-scoped token must deactivate the subscription")
	}
}
