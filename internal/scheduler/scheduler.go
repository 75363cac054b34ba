// Package scheduler executes plan entries concurrently with bounded
// parallelism per channel. Each channel gets its own FIFO queue and worker
// pool so a slow SMS gateway never starves push delivery. Transient failures
// are retried with exponential backoff and jitter; permanent failures feed
// back into the subscription registry.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"erpnotify/internal/adapter"
	"erpnotify/internal/model"
	"erpnotify/internal/repository"
)

// DefaultQueueDepth is the per-channel queue capacity.
const DefaultQueueDepth = 256

// DefaultBackpressureTimeout is how long Submit blocks on a full queue
// before spilling the entry to the persistent store.
const DefaultBackpressureTimeout = 2 * time.Second

// DefaultDrainTimeout bounds how long Shutdown waits for queued entries.
const DefaultDrainTimeout = 20 * time.Second

// SpillFunc persists entries the scheduler cannot hold: queue overflow under
// backpressure and leftovers at shutdown. The cleanup tick replays them.
type SpillFunc func(ctx context.Context, entries []*adapter.Entry) error

// Options configures a Scheduler. Zero-valued fields get defaults.
type Options struct {
	// Workers maps channel -> pool size. Channels absent from the map get no
	// queue and Submit rejects their entries.
	Workers map[string]int
	// QueueDepth is the per-channel queue capacity.
	QueueDepth int
	// BackpressureTimeout is the Submit blocking budget on a full queue.
	BackpressureTimeout time.Duration
	// Spill receives overflow and shutdown leftovers. Nil drops them with a
	// log line.
	Spill SpillFunc
	// OnDelivered runs after every successful attempt. The broadcaster hooks
	// in here for in-app entries dispatched through the queue path.
	OnDelivered func(e *adapter.Entry)
	// RetryDelayFn overrides the backoff curve. Defaults to RetryDelay.
	RetryDelayFn func(retry int) time.Duration
}

// Scheduler drains per-channel queues through the registered adapters.
type Scheduler struct {
	adapters map[string]adapter.Adapter
	queues   map[string]chan *adapter.Entry
	workers  map[string]int
	attempts repository.AttemptRepository
	subs     repository.SubscriptionRepository

	queueDepth  int
	bpTimeout   time.Duration
	spill       SpillFunc
	onDelivered func(e *adapter.Entry)
	retryDelay  func(retry int) time.Duration

	mu        sync.Mutex
	cancelled map[string]time.Time
	closed    bool

	baseCtx context.Context
	abort   context.CancelFunc
	quit    chan struct{}
	wg      sync.WaitGroup
	retryWG sync.WaitGroup
}

func New(adapters []adapter.Adapter, attempts repository.AttemptRepository, subs repository.SubscriptionRepository, opts Options) *Scheduler {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.BackpressureTimeout <= 0 {
		opts.BackpressureTimeout = DefaultBackpressureTimeout
	}
	if opts.RetryDelayFn == nil {
		opts.RetryDelayFn = RetryDelay
	}

	s := &Scheduler{
		adapters:    make(map[string]adapter.Adapter),
		queues:      make(map[string]chan *adapter.Entry),
		workers:     opts.Workers,
		attempts:    attempts,
		subs:        subs,
		queueDepth:  opts.QueueDepth,
		bpTimeout:   opts.BackpressureTimeout,
		spill:       opts.Spill,
		onDelivered: opts.OnDelivered,
		retryDelay:  opts.RetryDelayFn,
		cancelled:   make(map[string]time.Time),
		quit:        make(chan struct{}),
	}
	for _, a := range adapters {
		s.adapters[a.Name()] = a
	}
	for channel := range opts.Workers {
		if _, ok := s.adapters[channel]; !ok {
			continue
		}
		s.queues[channel] = make(chan *adapter.Entry, opts.QueueDepth)
	}
	return s
}

// Start launches the worker pools. The context aborts in-flight work when
// cancelled; normal shutdown goes through Shutdown instead.
func (s *Scheduler) Start(ctx context.Context) {
	s.baseCtx, s.abort = context.WithCancel(ctx)
	for channel, q := range s.queues {
		n := s.workers[channel]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			s.wg.Add(1)
			go s.worker(channel, q)
		}
		log.Printf("[Scheduler] Pool started: channel=%s workers=%d depth=%d", channel, n, s.queueDepth)
	}
}

// Submit hands one entry to its channel queue. A full queue blocks the caller
// up to the backpressure timeout, then the entry spills to the persistent
// store for later replay. Submit never silently drops work.
func (s *Scheduler) Submit(ctx context.Context, e *adapter.Entry) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return model.ErrSchedulerShutdown
	}

	q, ok := s.queues[e.Channel]
	if !ok {
		return fmt.Errorf("scheduler: no queue for channel %q", e.Channel)
	}

	select {
	case q <- e:
		return nil
	default:
	}

	timer := time.NewTimer(s.bpTimeout)
	defer timer.Stop()
	select {
	case q <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		log.Printf("[Scheduler] Queue full, spilling: channel=%s entry=%s", e.Channel, e.ID)
		return s.spillEntries(ctx, []*adapter.Entry{e})
	}
}

// CancelPlan drops every not-yet-attempted entry of a plan. Entries already
// in flight finish their attempt but the outcome is discarded.
func (s *Scheduler) CancelPlan(planID string) {
	now := time.Now()
	s.mu.Lock()
	s.cancelled[planID] = now
	// Lazy sweep so the set never grows unbounded.
	for id, at := range s.cancelled {
		if now.Sub(at) > 15*time.Minute {
			delete(s.cancelled, id)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) isCancelled(planID string) bool {
	s.mu.Lock()
	_, ok := s.cancelled[planID]
	s.mu.Unlock()
	return ok
}

// Shutdown stops intake, drains the queues within the context deadline, and
// spills whatever could not be delivered in time.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.retryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if s.abort != nil {
			s.abort()
		}
		<-done
	}

	var leftover []*adapter.Entry
	for _, q := range s.queues {
	drain:
		for {
			select {
			case e := <-q:
				leftover = append(leftover, e)
			default:
				break drain
			}
		}
	}
	if len(leftover) > 0 {
		log.Printf("[Scheduler] Spilling %d undelivered entries at shutdown", len(leftover))
		return s.spillEntries(context.Background(), leftover)
	}
	return nil
}

func (s *Scheduler) spillEntries(ctx context.Context, entries []*adapter.Entry) error {
	if s.spill == nil {
		log.Printf("[Scheduler] No spill store configured, dropping %d entries", len(entries))
		return model.ErrQueueFull
	}
	return s.spill(ctx, entries)
}

func (s *Scheduler) worker(channel string, q chan *adapter.Entry) {
	defer s.wg.Done()
	for {
		select {
		case e := <-q:
			s.process(e)
		case <-s.quit:
			// Drain what is already queued, then exit.
			for {
				select {
				case e := <-q:
					s.process(e)
				case <-s.baseCtx.Done():
					return
				default:
					return
				}
			}
		case <-s.baseCtx.Done():
			return
		}
	}
}

func (s *Scheduler) process(e *adapter.Entry) {
	if s.isCancelled(e.PlanID) {
		log.Printf("[Scheduler] Dropped cancelled entry: plan=%s entry=%s", e.PlanID, e.ID)
		return
	}

	a := s.adapters[e.Channel]
	started := time.Now()
	ctx, cancel := context.WithTimeout(s.baseCtx, adapter.TimeoutFor(e.Channel))
	res := a.Send(ctx, e)
	cancel()
	finished := time.Now()

	// A cancellation that raced the attempt discards the outcome.
	if s.isCancelled(e.PlanID) {
		log.Printf("[Scheduler] Discarded outcome of cancelled entry: plan=%s entry=%s", e.PlanID, e.ID)
		return
	}

	s.recordAttempt(e, res, started, finished)

	switch res.Status {
	case model.OutcomeOK:
		if s.onDelivered != nil {
			s.onDelivered(e)
		}
	case model.OutcomeTransient:
		s.scheduleRetry(e, res)
	case model.OutcomePermanent:
		log.Printf("[Scheduler] Permanent failure: channel=%s entry=%s category=%s err=%v",
			e.Channel, e.ID, res.Category, res.Err)
		s.deactivateTarget(e, res)
	case model.OutcomeRejected:
		log.Printf("[Scheduler] Rejected: channel=%s entry=%s category=%s", e.Channel, e.ID, res.Category)
	}
}

func (s *Scheduler) recordAttempt(e *adapter.Entry, res adapter.Result, started, finished time.Time) {
	att := &model.DeliveryAttempt{
		PlanID:        e.PlanID,
		EntryID:       e.ID,
		Channel:       e.Channel,
		Outcome:       res.Status,
		ProviderMsgID: res.ProviderMsgIDRef(),
		ErrorCategory: res.CategoryRef(),
		RetryOrdinal:  e.Retry,
		StartedAt:     started,
		FinishedAt:    finished,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.attempts.Create(ctx, att); err != nil {
		log.Printf("[Scheduler] Failed to record attempt: entry=%s err=%v", e.ID, err)
	}

	// Push outcomes also feed the subscription health counters.
	if e.Channel == model.ChannelWebPush && e.Subscription != nil {
		success := res.Status == model.OutcomeOK
		if err := s.subs.RecordAttempt(ctx, e.Subscription.ID, success, finished); err != nil {
			log.Printf("[Scheduler] Failed to record push attempt: sub=%d err=%v", e.Subscription.ID, err)
		}
	}
}

// deactivateTarget soft-disables a push subscription whose endpoint the push
// service reported gone. Other channels have no registry state to update.
func (s *Scheduler) deactivateTarget(e *adapter.Entry, res adapter.Result) {
	if e.Channel != model.ChannelWebPush || e.Subscription == nil {
		return
	}
	// Only a gone endpoint disables the subscription; payload_too_large and
	// other permanent categories are per-message.
	if res.Category != "endpoint_gone" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.subs.Deactivate(ctx, e.Subscription.ID); err != nil {
		log.Printf("[Scheduler] Failed to deactivate subscription: sub=%d err=%v", e.Subscription.ID, err)
	} else {
		log.Printf("[Scheduler] Deactivated dead endpoint: sub=%d", e.Subscription.ID)
	}
}

func (s *Scheduler) scheduleRetry(e *adapter.Entry, res adapter.Result) {
	if e.Retry >= MaxRetries {
		log.Printf("[Scheduler] Exhausted: channel=%s entry=%s attempts=%d category=%s",
			e.Channel, e.ID, e.Retry+1, res.Category)
		return
	}

	delay := s.retryDelay(e.Retry)
	e.Retry++
	log.Printf("[Scheduler] Retry scheduled: channel=%s entry=%s attempt=%d delay=%v category=%s",
		e.Channel, e.ID, e.Retry, delay.Round(time.Millisecond), res.Category)

	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-s.baseCtx.Done():
			s.spillEntries(context.Background(), []*adapter.Entry{e})
			return
		}

		q := s.queues[e.Channel]
		select {
		case q <- e:
		case <-s.baseCtx.Done():
			s.spillEntries(context.Background(), []*adapter.Entry{e})
		}
	}()
}
