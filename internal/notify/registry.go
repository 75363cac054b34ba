package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"erpnotify/internal/model"
	"erpnotify/internal/repository"
)

// TokenTTL is how long a minted unsubscribe token stays redeemable.
const TokenTTL = 30 * 24 * time.Hour

// Registry is the source of truth for who can receive what, where: push
// subscriptions, unsubscribe tokens, and the preference flips a redeemed
// token triggers.
type Registry struct {
	subs   repository.SubscriptionRepository
	tokens repository.TokenRepository
	prefs  repository.PreferencesRepository
}

func NewRegistry(subs repository.SubscriptionRepository, tokens repository.TokenRepository, prefs repository.PreferencesRepository) *Registry {
	return &Registry{subs: subs, tokens: tokens, prefs: prefs}
}

// Register validates and upserts a push subscription. Re-registering a known
// endpoint re-activates it and refreshes keys, owner, and user-agent fields
// instead of duplicating the row.
func (r *Registry) Register(ctx context.Context, req *model.RegisterSubscriptionRequest, userID *int64, userAgent string) (*model.PushSubscription, error) {
	u, err := url.Parse(req.Endpoint)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidEndpoint, req.Endpoint)
	}

	isWNS := model.IsWNSEndpoint(req.Endpoint)
	if !isWNS && (req.P256dh == "" || req.Auth == "") {
		return nil, model.ErrMissingKeys
	}
	if userID == nil && req.Phone == nil && req.DeviceID == nil {
		return nil, model.ErrAnonymousMissingIdentifier
	}

	sub := &model.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.P256dh,
		Auth:     req.Auth,
		UserID:   userID,
		Phone:    req.Phone,
		DeviceID: req.DeviceID,
		Browser:  model.DetectBrowser(userAgent),
		Platform: model.DetectPlatform(userAgent),
		IsWNS:    isWNS,
		IsActive: true,
	}
	if isWNS {
		// WNS ignores encrypted payloads; keys stay empty by invariant.
		sub.P256dh = ""
		sub.Auth = ""
	}

	if err := r.subs.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("register subscription: %w", err)
	}
	log.Printf("[Registry] Subscription registered: id=%d browser=%s platform=%s wns=%v",
		sub.ID, sub.Browser, sub.Platform, sub.IsWNS)
	return sub, nil
}

// ListActivePush returns the active push targets for a recipient reference.
func (r *Registry) ListActivePush(ctx context.Context, ref model.RecipientRef) ([]model.PushSubscription, error) {
	switch {
	case ref.UserID != nil:
		return r.subs.ListActiveByUser(ctx, *ref.UserID)
	case ref.Phone != nil:
		return r.subs.ListActiveByPhone(ctx, *ref.Phone)
	case ref.DeviceID != nil:
		return r.subs.ListActiveByDevice(ctx, *ref.DeviceID)
	default:
		return nil, nil
	}
}

// MintToken returns the active unsubscribe token for (identity, channel),
// creating one if none exists. Idempotent: composing two emails for the same
// recipient embeds the same token.
func (r *Registry) MintToken(ctx context.Context, identity model.TokenIdentity, channel string) (*model.UnsubscribeToken, error) {
	existing, err := r.tokens.GetActive(ctx, identity, channel)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, model.ErrTokenNotFound) {
		return nil, fmt.Errorf("mint token: %w", err)
	}

	expires := time.Now().Add(TokenTTL)
	t := &model.UnsubscribeToken{
		Token:          model.NewTokenValue(),
		Channel:        channel,
		UserID:         identity.UserID,
		Email:          identity.Email,
		Phone:          identity.Phone,
		SubscriptionID: identity.SubscriptionID,
		ExpiresAt:      &expires,
		IsActive:       true,
	}
	if err := r.tokens.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("mint token: %w", err)
	}
	return t, nil
}

// RedeemToken consumes an unsubscribe token and flips the matching preference
// off. Only the first redemption reports redeemed=true; replays are harmless.
func (r *Registry) RedeemToken(ctx context.Context, value string) (*model.UnsubscribeToken, bool, error) {
	t, err := r.tokens.GetByValue(ctx, value)
	if err != nil {
		return nil, false, err
	}
	if t.IsExpired(time.Now()) {
		return t, false, fmt.Errorf("%w: token expired", model.ErrTokenNotFound)
	}

	redeemed, err := r.tokens.MarkUsed(ctx, t.ID, time.Now())
	if err != nil {
		return nil, false, fmt.Errorf("redeem token: %w", err)
	}
	if !redeemed {
		return t, false, nil
	}

	switch {
	case t.UserID != nil:
		if err := r.prefs.DisableChannel(ctx, *t.UserID, t.Channel); err != nil {
			return nil, false, fmt.Errorf("disable channel: %w", err)
		}
	case t.SubscriptionID != nil:
		if err := r.subs.Deactivate(ctx, *t.SubscriptionID); err != nil {
			return nil, false, fmt.Errorf("deactivate subscription: %w", err)
		}
	}
	// Tokens held by bare email/phone identities have no preference row; the
	// redeemed-token check at planning time keeps filtering them out.

	log.Printf("[Registry] Token redeemed: channel=%s identity=%s", t.Channel, tokenIdentityKey(t))
	return t, true, nil
}

// Unsubscribed reports whether the identity has redeemed an opt-out for the
// channel. A merely minted token is an offer, not an opt-out; redemption is
// what filters future plans. User identities are additionally covered by the
// preference flip, this check serves bare email/phone targets.
func (r *Registry) Unsubscribed(ctx context.Context, identity model.TokenIdentity, channel string) bool {
	used, err := r.tokens.HasRedeemed(ctx, identity, channel)
	if err != nil {
		log.Printf("[Registry] Redeemed-token check failed, not filtering: err=%v", err)
		return false
	}
	return used
}

func tokenIdentityKey(t *model.UnsubscribeToken) string {
	switch {
	case t.UserID != nil:
		return fmt.Sprintf("user:%d", *t.UserID)
	case t.Email != nil:
		return "email:" + *t.Email
	case t.Phone != nil:
		return "phone:" + *t.Phone
	case t.SubscriptionID != nil:
		return fmt.Sprintf("sub:%d", *t.SubscriptionID)
	default:
		return "unknown"
	}
}
