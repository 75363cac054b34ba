package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"erpnotify/internal/adapter"
	"erpnotify/internal/config"
	"erpnotify/internal/model"
	"erpnotify/internal/repository"
)

// SyncInAppLimit is the largest in-app fan-out inserted on the caller's task.
// Bigger plans drain through the scheduler's in-app pool.
const SyncInAppLimit = 10

// Broadcaster delivers an in-app notification to the recipient's live
// WebSocket sessions. The ws hub implements it.
type Broadcaster interface {
	PublishNotification(recipientID int64, n *model.Notification)
}

// Submitter hands entries to the delivery scheduler.
type Submitter interface {
	Submit(ctx context.Context, e *adapter.Entry) error
}

// Dedup collapses identical entries inside a short window. *Deduper is the
// Redis-backed implementation.
type Dedup interface {
	ShouldSend(ctx context.Context, recipientKey, channel, address, contentHash string) bool
}

// Engine is the fan-out planner: it expands events into per-(recipient,
// channel, address) entries, applies preference and unsubscribe filters,
// deduplicates, persists in-app rows synchronously, and submits the rest.
type Engine struct {
	cfg        *config.Config
	registry   *Registry
	prefs      repository.PreferencesRepository
	recipients repository.RecipientRepository
	subs       repository.SubscriptionRepository
	plans      repository.ScheduledPlanRepository
	attempts   repository.AttemptRepository
	inApp      *adapter.InAppAdapter
	sched      Submitter
	dedup      Dedup
	hub        Broadcaster
}

func NewEngine(
	cfg *config.Config,
	registry *Registry,
	prefs repository.PreferencesRepository,
	recipients repository.RecipientRepository,
	subs repository.SubscriptionRepository,
	plans repository.ScheduledPlanRepository,
	attempts repository.AttemptRepository,
	inApp *adapter.InAppAdapter,
	sched Submitter,
	dedup Dedup,
	hub Broadcaster,
) *Engine {
	return &Engine{
		cfg:        cfg,
		registry:   registry,
		prefs:      prefs,
		recipients: recipients,
		subs:       subs,
		plans:      plans,
		attempts:   attempts,
		inApp:      inApp,
		sched:      sched,
		dedup:      dedup,
		hub:        hub,
	}
}

// Notify turns one event into a delivery plan and dispatches it. The only
// error callers ever see is invalid input; everything downstream is logged,
// recorded as attempts, and retried out of band.
func (e *Engine) Notify(ctx context.Context, ev *Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	planID := uuid.NewString()

	if ev.ScheduledFor != nil && ev.ScheduledFor.After(time.Now()) {
		payload, err := json.Marshal(storedPlan{Event: ev})
		if err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
		}
		if _, err := e.plans.Create(ctx, payload, *ev.ScheduledFor); err != nil {
			log.Printf("[Planner] Failed to park scheduled plan: plan=%s err=%v", planID, err)
			return "", fmt.Errorf("park scheduled plan: %w", err)
		}
		log.Printf("[Planner] Plan parked until %s: plan=%s kind=%s", ev.ScheduledFor.Format(time.RFC3339), planID, ev.Kind)
		return planID, nil
	}

	inAppEntries, queued := e.expand(ctx, planID, ev)
	if len(inAppEntries) == 0 && len(queued) == 0 {
		log.Printf("[Planner] NoReachableChannel: plan=%s kind=%s recipients=%d", planID, ev.Kind, len(ev.Recipients))
		return planID, nil
	}

	// In-app rows are inserted on the caller's task so the new ids ride the
	// real-time broadcast immediately. Large plans (admin broadcasts) go
	// through the scheduler's in-app pool instead of blocking the caller.
	syncInApp := 0
	if len(inAppEntries) <= SyncInAppLimit {
		for _, entry := range inAppEntries {
			e.deliverInApp(ctx, entry)
		}
		syncInApp = len(inAppEntries)
	} else {
		queued = append(queued, inAppEntries...)
	}

	for i, entry := range queued {
		if err := e.sched.Submit(ctx, entry); err != nil {
			if errors.Is(err, model.ErrSchedulerShutdown) {
				// Entries already accepted are drained (or spilled) by the
				// scheduler itself, so only the remainder goes to storage.
				e.SpillEntries(ctx, queued[i:])
				break
			}
			log.Printf("[Planner] Submit failed: plan=%s entry=%s channel=%s err=%v",
				planID, entry.ID, entry.Channel, err)
		}
	}

	log.Printf("[Planner] Plan dispatched: plan=%s kind=%s sync_in_app=%d queued=%d",
		planID, ev.Kind, syncInApp, len(queued))
	return planID, nil
}

func (e *Engine) deliverInApp(ctx context.Context, entry *adapter.Entry) {
	started := time.Now()
	n, res := e.inApp.Deliver(ctx, entry)
	e.recordAttempt(ctx, entry, res, started)
	if res.Status != model.OutcomeOK {
		log.Printf("[Planner] In-app insert failed: entry=%s status=%s err=%v", entry.ID, res.Status, res.Err)
		return
	}
	if e.hub != nil && entry.Recipient.UserID != nil {
		e.hub.PublishNotification(*entry.Recipient.UserID, n)
	}
}

// OnDelivered is the scheduler's post-success hook. In-app entries that
// drained through the pool still have to reach live WebSocket sessions.
func (e *Engine) OnDelivered(entry *adapter.Entry) {
	if entry.Channel != model.ChannelInApp || e.hub == nil {
		return
	}
	if entry.Recipient.UserID == nil || entry.NotificationID == nil {
		return
	}
	n := &model.Notification{
		ID:             *entry.NotificationID,
		RecipientID:    *entry.Recipient.UserID,
		Verb:           entry.Kind,
		Kind:           entry.Kind,
		Title:          entry.Title,
		Body:           entry.Body,
		ActionURL:      entry.ActionURL,
		ImageURL:       entry.ImageURL,
		DispatchStatus: model.DispatchSent,
		CreatedAt:      time.Now(),
	}
	if entry.Target != nil {
		n.TargetKind = &entry.Target.Kind
		n.TargetID = &entry.Target.ID
	}
	e.hub.PublishNotification(*entry.Recipient.UserID, n)
}

func (e *Engine) recordAttempt(ctx context.Context, entry *adapter.Entry, res adapter.Result, started time.Time) {
	att := &model.DeliveryAttempt{
		PlanID:        entry.PlanID,
		EntryID:       entry.ID,
		Channel:       entry.Channel,
		Outcome:       res.Status,
		ProviderMsgID: res.ProviderMsgIDRef(),
		ErrorCategory: res.CategoryRef(),
		RetryOrdinal:  entry.Retry,
		StartedAt:     started,
		FinishedAt:    time.Now(),
	}
	if err := e.attempts.Create(ctx, att); err != nil {
		log.Printf("[Planner] Failed to record attempt: entry=%s err=%v", entry.ID, err)
	}
}

// expand applies the fan-out rules: preferences, unsubscribes, address
// resolution, per-subscription expansion, dedup. Returns the synchronous
// in-app entries separately from the scheduler-bound ones.
func (e *Engine) expand(ctx context.Context, planID string, ev *Event) (inApp, queued []*adapter.Entry) {
	hash := ev.ContentHash()
	for _, ref := range ev.Recipients {
		ia, q := e.expandRecipient(ctx, planID, ev, ref, hash)
		inApp = append(inApp, ia...)
		queued = append(queued, q...)
	}
	return inApp, queued
}

func (e *Engine) expandRecipient(ctx context.Context, planID string, ev *Event, ref model.RecipientRef, hash string) (inApp, queued []*adapter.Entry) {
	prefs := model.DefaultPreferences(0)
	var rec *model.Recipient

	if ref.UserID != nil {
		p, err := e.prefs.Get(ctx, *ref.UserID)
		if err != nil {
			log.Printf("[Planner] Preference load failed, using defaults: user=%d err=%v", *ref.UserID, err)
		} else {
			prefs = p
		}
		// An opted-out kind drops the recipient across every channel.
		if !prefs.KindEnabled(ev.Kind) {
			return nil, nil
		}
		r, err := e.recipients.GetByID(ctx, *ref.UserID)
		if err != nil {
			if !errors.Is(err, model.ErrRecipientNotFound) {
				log.Printf("[Planner] Recipient load failed: user=%d err=%v", *ref.UserID, err)
			}
		} else {
			rec = r
		}
	}

	newEntry := func(channel, address string) *adapter.Entry {
		return &adapter.Entry{
			ID:         uuid.NewString(),
			PlanID:     planID,
			Channel:    channel,
			Recipient:  ref,
			Address:    address,
			Kind:       ev.Kind,
			Title:      ev.Title,
			Body:       ev.Body,
			ActionURL:  ev.ActionURL,
			ImageURL:   ev.ImageURL,
			Target:     ev.Target,
			EnqueuedAt: time.Now(),
		}
	}

	// in_app: known users only.
	if ref.UserID != nil && ev.wantsChannel(model.ChannelInApp) && prefs.ChannelEnabled(model.ChannelInApp) {
		if e.dedup.ShouldSend(ctx, ref.Key(), model.ChannelInApp, ref.Key(), hash) {
			inApp = append(inApp, newEntry(model.ChannelInApp, ref.Key()))
		}
	}

	// email: known users with an address.
	if rec != nil && rec.Email != nil && ev.wantsChannel(model.ChannelEmail) && prefs.ChannelEnabled(model.ChannelEmail) {
		identity := model.TokenIdentity{UserID: ref.UserID}
		if !e.registry.Unsubscribed(ctx, identity, model.TokenChannelEmail) &&
			e.dedup.ShouldSend(ctx, ref.Key(), model.ChannelEmail, *rec.Email, hash) {
			entry := newEntry(model.ChannelEmail, *rec.Email)
			e.attachToken(ctx, entry, identity, model.TokenChannelEmail)
			queued = append(queued, entry)
		}
	}

	// sms + whatsapp: phone from the user record or a bare phone ref.
	phone := phoneFor(ref, rec)
	if phone != "" {
		identity := tokenIdentityFor(ref)
		for _, channel := range []string{model.ChannelSMS, model.ChannelWhatsApp} {
			if !ev.wantsChannel(channel) || !prefs.ChannelEnabled(channel) {
				continue
			}
			if e.registry.Unsubscribed(ctx, identity, model.TokenChannelSMS) {
				continue
			}
			if !e.dedup.ShouldSend(ctx, ref.Key(), channel, phone, hash) {
				continue
			}
			entry := newEntry(channel, phone)
			if channel == model.ChannelWhatsApp {
				entry.TemplateName = e.cfg.WhatsAppTemplateFor(ev.Kind)
				entry.TemplateParams = []string{ev.Title, ev.Body}
			} else {
				e.attachToken(ctx, entry, identity, model.TokenChannelSMS)
			}
			queued = append(queued, entry)
		}
	}

	// push: one entry per active subscription.
	if ev.wantsChannel(model.ChannelWebPush) && prefs.ChannelEnabled(model.ChannelWebPush) {
		if !e.registry.Unsubscribed(ctx, tokenIdentityFor(ref), model.TokenChannelPush) {
			subs, err := e.registry.ListActivePush(ctx, ref)
			if err != nil {
				log.Printf("[Planner] Subscription lookup failed: recipient=%s err=%v", ref.Key(), err)
			}
			for i := range subs {
				sub := subs[i]
				if !e.dedup.ShouldSend(ctx, ref.Key(), model.ChannelWebPush, sub.Endpoint, hash) {
					continue
				}
				entry := newEntry(model.ChannelWebPush, sub.Endpoint)
				entry.Subscription = &sub
				queued = append(queued, entry)
			}
		}
	}

	return inApp, queued
}

func (e *Engine) attachToken(ctx context.Context, entry *adapter.Entry, identity model.TokenIdentity, channel string) {
	t, err := e.registry.MintToken(ctx, identity, channel)
	if err != nil {
		// The message still goes out, just without a one-click opt-out link.
		log.Printf("[Planner] Token mint failed: channel=%s err=%v", channel, err)
		return
	}
	entry.UnsubscribeToken = t.Token
}

func phoneFor(ref model.RecipientRef, rec *model.Recipient) string {
	if ref.Phone != nil {
		return *ref.Phone
	}
	if rec != nil && rec.Phone != nil {
		return *rec.Phone
	}
	return ""
}

func tokenIdentityFor(ref model.RecipientRef) model.TokenIdentity {
	return model.TokenIdentity{UserID: ref.UserID, Phone: ref.Phone}
}

// =============================================================================
// Admin broadcast and probes
// =============================================================================

// Broadcast targets for POST /broadcast.
const (
	BroadcastTargetAll    = "all"
	BroadcastTargetRole   = "role"
	BroadcastTargetUsers  = "users"
	BroadcastTargetPhones = "phones"
)

// BroadcastRequest is the admin broadcast input.
type BroadcastRequest struct {
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	URL       *string  `json:"url,omitempty"`
	Target    string   `json:"target"`
	TargetIDs []string `json:"target_ids,omitempty"`
}

// Broadcast fans an announcement out to the in-app and push channels of the
// targeted population, chunked so each plan touches at most the configured
// batch size of recipients.
func (e *Engine) Broadcast(ctx context.Context, req *BroadcastRequest) ([]string, error) {
	refs, err := e.resolveBroadcastTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		log.Printf("[Planner] Broadcast matched no recipients: target=%s", req.Target)
		return nil, nil
	}

	batch := e.cfg.BroadcastBatchSize
	if batch <= 0 {
		batch = 50
	}

	var planIDs []string
	for start := 0; start < len(refs); start += batch {
		end := start + batch
		if end > len(refs) {
			end = len(refs)
		}
		ev := &Event{
			Kind:       model.KindSystem,
			Recipients: refs[start:end],
			Title:      req.Title,
			Body:       req.Body,
			ActionURL:  req.URL,
			Channels:   []string{model.ChannelInApp, model.ChannelWebPush},
		}
		planID, err := e.Notify(ctx, ev)
		if err != nil {
			return planIDs, err
		}
		planIDs = append(planIDs, planID)
	}
	log.Printf("[Planner] Broadcast dispatched: target=%s recipients=%d plans=%d", req.Target, len(refs), len(planIDs))
	return planIDs, nil
}

func (e *Engine) resolveBroadcastTargets(ctx context.Context, req *BroadcastRequest) ([]model.RecipientRef, error) {
	switch req.Target {
	case BroadcastTargetAll:
		var refs []model.RecipientRef
		after := int64(0)
		for {
			ids, err := e.recipients.ListIDs(ctx, after, 500)
			if err != nil {
				return nil, fmt.Errorf("list recipients: %w", err)
			}
			if len(ids) == 0 {
				return refs, nil
			}
			for _, id := range ids {
				refs = append(refs, model.RecipientRef{UserID: &id})
			}
			after = ids[len(ids)-1]
		}
	case BroadcastTargetRole:
		var refs []model.RecipientRef
		for _, role := range req.TargetIDs {
			users, err := e.recipients.ListByRole(ctx, role)
			if err != nil {
				return nil, fmt.Errorf("list role %q: %w", role, err)
			}
			for i := range users {
				refs = append(refs, model.RecipientRef{UserID: &users[i].ID})
			}
		}
		return refs, nil
	case BroadcastTargetUsers:
		var refs []model.RecipientRef
		for _, raw := range req.TargetIDs {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad user id %q", model.ErrInvalidEvent, raw)
			}
			refs = append(refs, model.RecipientRef{UserID: &id})
		}
		return refs, nil
	case BroadcastTargetPhones:
		var refs []model.RecipientRef
		for _, raw := range req.TargetIDs {
			phone := raw
			refs = append(refs, model.RecipientRef{Phone: &phone})
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("%w: unknown broadcast target %q", model.ErrInvalidEvent, req.Target)
	}
}

// TestPush sends a probe to every active push subscription of one user.
func (e *Engine) TestPush(ctx context.Context, userID int64) (string, error) {
	return e.Notify(ctx, &Event{
		Kind:       model.KindSystem,
		Recipients: []model.RecipientRef{{UserID: &userID}},
		Title:      "Test notification",
		Body:       "Push delivery is working for this device.",
		Channels:   []string{model.ChannelWebPush},
	})
}

// =============================================================================
// Stored plans: deferral and spill
// =============================================================================

// storedPlan is the scheduled_plans payload. Exactly one field is set: a whole
// deferred event, or raw entries spilled under backpressure or at shutdown.
type storedPlan struct {
	Event   *Event      `json:"event,omitempty"`
	Entries []entryBlob `json:"entries,omitempty"`
}

// entryBlob is the persistable form of an adapter entry. Push subscriptions
// are stored by id and re-fetched at replay, so a subscription deactivated
// while the plan was parked is skipped rather than retried.
type entryBlob struct {
	ID               string               `json:"id"`
	PlanID           string               `json:"plan_id"`
	Channel          string               `json:"channel"`
	Recipient        model.RecipientRef   `json:"recipient"`
	Address          string               `json:"address"`
	SubscriptionID   *int64               `json:"subscription_id,omitempty"`
	Kind             string               `json:"kind"`
	Title            string               `json:"title"`
	Body             string               `json:"body"`
	ActionURL        *string              `json:"action_url,omitempty"`
	ImageURL         *string              `json:"image_url,omitempty"`
	Target           *model.TargetRef     `json:"target_ref,omitempty"`
	NotificationID   *int64               `json:"notification_id,omitempty"`
	UnsubscribeToken string               `json:"unsubscribe_token,omitempty"`
	TemplateName     string               `json:"template_name,omitempty"`
	TemplateParams   []string             `json:"template_params,omitempty"`
	Attachments      []adapter.Attachment `json:"attachments,omitempty"`
	Retry            int                  `json:"retry"`
}

func toBlob(e *adapter.Entry) entryBlob {
	b := entryBlob{
		ID:               e.ID,
		PlanID:           e.PlanID,
		Channel:          e.Channel,
		Recipient:        e.Recipient,
		Address:          e.Address,
		Kind:             e.Kind,
		Title:            e.Title,
		Body:             e.Body,
		ActionURL:        e.ActionURL,
		ImageURL:         e.ImageURL,
		Target:           e.Target,
		NotificationID:   e.NotificationID,
		UnsubscribeToken: e.UnsubscribeToken,
		TemplateName:     e.TemplateName,
		TemplateParams:   e.TemplateParams,
		Attachments:      e.Attachments,
		Retry:            e.Retry,
	}
	if e.Subscription != nil {
		b.SubscriptionID = &e.Subscription.ID
	}
	return b
}

func (b entryBlob) toEntry() *adapter.Entry {
	return &adapter.Entry{
		ID:               b.ID,
		PlanID:           b.PlanID,
		Channel:          b.Channel,
		Recipient:        b.Recipient,
		Address:          b.Address,
		Kind:             b.Kind,
		Title:            b.Title,
		Body:             b.Body,
		ActionURL:        b.ActionURL,
		ImageURL:         b.ImageURL,
		Target:           b.Target,
		NotificationID:   b.NotificationID,
		UnsubscribeToken: b.UnsubscribeToken,
		TemplateName:     b.TemplateName,
		TemplateParams:   b.TemplateParams,
		Attachments:      b.Attachments,
		Retry:            b.Retry,
		EnqueuedAt:       time.Now(),
	}
}

// SpillEntries parks entries the scheduler cannot hold. Wired as the
// scheduler's spill function; the cleanup tick replays them.
func (e *Engine) SpillEntries(ctx context.Context, entries []*adapter.Entry) error {
	blobs := make([]entryBlob, 0, len(entries))
	for _, entry := range entries {
		blobs = append(blobs, toBlob(entry))
	}
	payload, err := json.Marshal(storedPlan{Entries: blobs})
	if err != nil {
		return fmt.Errorf("marshal spilled entries: %w", err)
	}
	if _, err := e.plans.Create(ctx, payload, time.Now()); err != nil {
		return fmt.Errorf("park spilled entries: %w", err)
	}
	log.Printf("[Planner] Spilled %d entries to scheduled plans", len(entries))
	return nil
}

/// DispatchStored replays one claimed scheduled plan: a deferred event goes
// back through Notify, spilled entries go straight to the scheduler.
func (e *Engine) DispatchStored(ctx context.Context, payload []byte) error {
	var sp storedPlan
	if err := json.Unmarshal(payload, &sp); err != nil {
		return fmt.Errorf("decode stored plan: %w", err)
	}

	if sp.Event != nil {
		sp.Event.ScheduledFor = nil
		_, err := e.Notify(ctx, sp.Event)
		return err
	}

	for _, b := range sp.Entries {
		entry := b.toEntry()
		if b.SubscriptionID != nil {
			sub, err := e.subs.GetByID(ctx, *b.SubscriptionID)
			if err != nil || !sub.IsActive {
				log.Printf("[Planner] Skipping replay for dead subscription: sub=%d entry=%s", *b.SubscriptionID, b.ID)
				continue
			}
			entry.Subscription = sub
		}
		if err := e.sched.Submit(ctx, entry); err != nil {
			return fmt.Errorf("replay entry %s: %w", b.ID, err)
		}
	}
	return nil
}
