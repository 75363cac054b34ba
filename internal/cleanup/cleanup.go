// Package cleanup runs the periodic maintenance loops: dispatching scheduled
// plans that have come due, expiring unsubscribe tokens, pruning dead push
// subscriptions, and reaping old read notifications.
package cleanup

import (
	"context"
	"log"
	"sync"
	"time"

	"erpnotify/internal/repository"
)

const (
	// DispatchInterval is how often due scheduled plans are claimed.
	DispatchInterval = time.Minute
	// TokenInterval is how often expired tokens are deactivated.
	TokenInterval = time.Hour
	// PruneInterval is how often subscriptions and notifications are swept.
	PruneInterval = 24 * time.Hour

	// SubscriptionMaxAge is how long a subscription may go without a
	// successful delivery before the prune sweep removes it.
	SubscriptionMaxAge = 30 * 24 * time.Hour
	// ReadRetention is how long read in-app notifications are kept.
	ReadRetention = 90 * 24 * time.Hour

	// DispatchBatch caps plans claimed per tick.
	DispatchBatch = 100

	tickTimeout = 30 * time.Second
)

// Dispatcher replays a parked plan payload into the fan-out pipeline.
type Dispatcher interface {
	DispatchStored(ctx context.Context, payload []byte) error
}

// Runner owns the maintenance goroutines.
type Runner struct {
	plans      repository.ScheduledPlanRepository
	tokens     repository.TokenRepository
	subs       repository.SubscriptionRepository
	notifs     repository.NotificationRepository
	dispatcher Dispatcher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner creates the maintenance runner.
func NewRunner(
	plans repository.ScheduledPlanRepository,
	tokens repository.TokenRepository,
	subs repository.SubscriptionRepository,
	notifs repository.NotificationRepository,
	dispatcher Dispatcher,
) *Runner {
	return &Runner{
		plans:      plans,
		tokens:     tokens,
		subs:       subs,
		notifs:     notifs,
		dispatcher: dispatcher,
	}
}

// Start launches the three maintenance loops. Call Stop to shut down.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.loop(ctx, DispatchInterval, func(ctx context.Context, now time.Time) {
		r.DispatchDue(ctx, now)
	})
	r.loop(ctx, TokenInterval, func(ctx context.Context, now time.Time) {
		r.ExpireTokens(ctx, now)
	})
	r.loop(ctx, PruneInterval, func(ctx context.Context, now time.Time) {
		r.Prune(ctx, now)
	})

	log.Printf("[Cleanup] Started: dispatch=%v tokens=%v prune=%v",
		DispatchInterval, TokenInterval, PruneInterval)
}

// Stop cancels the loops and waits for in-flight ticks.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	log.Printf("[Cleanup] Stopped")
}

func (r *Runner) loop(ctx context.Context, interval time.Duration, tick func(context.Context, time.Time)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
				tick(tickCtx, now)
				cancel()
			}
		}
	}()
}

// DispatchDue claims plans whose scheduled time has passed and replays them.
// Claiming stamps enqueued_at, so a plan whose dispatch fails stays claimed
// rather than being retried by the next tick.
func (r *Runner) DispatchDue(ctx context.Context, now time.Time) {
	plans, err := r.plans.ClaimDue(ctx, now, DispatchBatch)
	if err != nil {
		log.Printf("[Cleanup] ClaimDue FAILED: err=%v", err)
		return
	}
	if len(plans) == 0 {
		return
	}

	var dispatched, failed int
	for _, p := range plans {
		if err := r.dispatcher.DispatchStored(ctx, p.PayloadBlob); err != nil {
			log.Printf("[Cleanup] Dispatch FAILED: plan=%d scheduled_for=%v err=%v", p.ID, p.ScheduledFor, err)
			failed++
			continue
		}
		if err := r.plans.Delete(ctx, p.ID); err != nil {
			log.Printf("[Cleanup] Plan delete FAILED: plan=%d err=%v", p.ID, err)
		}
		dispatched++
	}
	log.Printf("[Cleanup] DispatchDue: claimed=%d dispatched=%d failed=%d", len(plans), dispatched, failed)
}

// ExpireTokens deactivates unsubscribe tokens past their expiry.
func (r *Runner) ExpireTokens(ctx context.Context, now time.Time) {
	n, err := r.tokens.ExpireBefore(ctx, now)
	if err != nil {
		log.Printf("[Cleanup] ExpireTokens FAILED: err=%v", err)
		return
	}
	if n > 0 {
		log.Printf("[Cleanup] ExpireTokens: expired=%d", n)
	}
}

// Prune removes stale push subscriptions and reaps old read notifications.
func (r *Runner) Prune(ctx context.Context, now time.Time) {
	pruned, err := r.subs.PruneStale(ctx, now.Add(-SubscriptionMaxAge))
	if err != nil {
		log.Printf("[Cleanup] PruneStale FAILED: err=%v", err)
	} else if pruned > 0 {
		log.Printf("[Cleanup] PruneStale: removed=%d", pruned)
	}

	reaped, err := r.notifs.ReapRead(ctx, now.Add(-ReadRetention))
	if err != nil {
		log.Printf("[Cleanup] ReapRead FAILED: err=%v", err)
	} else if reaped > 0 {
		log.Printf("[Cleanup] ReapRead: removed=%d", reaped)
	}
}
