package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/raykavin/pricewatch/core"
)

// Dispatcher delivers match events to the notifier. Events for the same user
// are delivered strictly in match order through a per-user queue; different
// users run in parallel up to the configured concurrency cap.
type Dispatcher struct {
	storage  core.Storage
	notifier core.Notifier
	limiter  *TokenBuckets
	log      core.Logger
	config   core.PipelineSettings
	backoff  *backoff.Backoff
	sem      chan struct{}

	mu        sync.Mutex
	queues    map[int64][]deliveryItem
	active    map[int64]bool
	states    map[int64]core.DeliveryState
	delivered map[string]struct{}
	wg        sync.WaitGroup
}

// deliveryItem is one pending delivery, either a fresh match event or a retry
// resumed from a stored attempt
type deliveryItem struct {
	eventID        string
	subscriptionID int64
	userID         int64
	chatID         int64
	message        string
	attempt        *core.DeliveryAttempt
}

// NewDispatcher creates a dispatcher with the given delivery policy
func NewDispatcher(storage core.Storage, notifier core.Notifier, config core.PipelineSettings, log core.Logger) *Dispatcher {
	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Dispatcher{
		storage:  storage,
		notifier: notifier,
		limiter:  NewTokenBuckets(config.BucketSize, config.RefillRate),
		log:      log,
		config:   config,
		backoff: &backoff.Backoff{
			Min:    config.BackoffBase,
			Max:    config.BackoffCap,
			Factor: 2,
		},
		sem:       make(chan struct{}, concurrency),
		queues:    make(map[int64][]deliveryItem),
		active:    make(map[int64]bool),
		states:    make(map[int64]core.DeliveryState),
		delivered: make(map[string]struct{}),
	}
}

// Dispatch enqueues fresh match events for delivery. Events whose id was
// already delivered in this process are dropped, so a duplicated tick cannot
// double-notify.
func (d *Dispatcher) Dispatch(ctx context.Context, events []core.MatchEvent, chatIDs map[int64]int64) {
	for _, event := range events {
		chatID, ok := chatIDs[event.Subscription.UserID]
		if !ok {
			d.log.Warnf("no chat id for user %d, dropping event %s", event.Subscription.UserID, event.ID)
			continue
		}

		d.enqueue(ctx, deliveryItem{
			eventID:        event.ID,
			subscriptionID: event.Subscription.ID,
			userID:         event.Subscription.UserID,
			chatID:         chatID,
			message:        event.Message(),
		})
	}
}

// Retry enqueues delivery attempts that are due for another try. The stored
// attempt counter is carried over, never reset.
func (d *Dispatcher) Retry(ctx context.Context, attempts []*core.DeliveryAttempt) {
	for _, attempt := range attempts {
		d.enqueue(ctx, deliveryItem{
			eventID:        attempt.EventID,
			subscriptionID: attempt.SubscriptionID,
			userID:         attempt.UserID,
			chatID:         attempt.ChatID,
			message:        attempt.Message,
			attempt:        attempt,
		})
	}
}

// Wait blocks until every enqueued delivery has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// WaitWithTimeout waits for pending deliveries up to the given grace period,
// reporting whether the dispatcher drained in time
func (d *Dispatcher) WaitWithTimeout(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// State returns the delivery state of a subscription
func (d *Dispatcher) State(subscriptionID int64) core.DeliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()

	if state, ok := d.states[subscriptionID]; ok {
		return state
	}
	return core.DeliveryIdle
}

func (d *Dispatcher) enqueue(ctx context.Context, item deliveryItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.delivered[item.eventID]; ok {
		return
	}

	if d.states[item.subscriptionID] == core.DeliveryPermanentlyFailed {
		return
	}

	if item.attempt != nil {
		d.states[item.subscriptionID] = core.DeliveryRetrying
	} else {
		d.states[item.subscriptionID] = core.DeliveryPending
	}

	d.wg.Add(1)
	d.queues[item.userID] = append(d.queues[item.userID], item)

	if !d.active[item.userID] {
		d.active[item.userID] = true
		go d.drainUser(ctx, item.userID)
	}
}

// drainUser delivers the user's queued items one at a time, preserving match
// order for that user
func (d *Dispatcher) drainUser(ctx context.Context, userID int64) {
	for {
		d.mu.Lock()
		queue := d.queues[userID]
		if len(queue) == 0 {
			d.active[userID] = false
			d.mu.Unlock()
			return
		}
		item := queue[0]
		d.queues[userID] = queue[1:]
		d.mu.Unlock()

		d.sem <- struct{}{}
		d.deliver(ctx, item)
		<-d.sem

		d.wg.Done()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, item deliveryItem) {
	if d.State(item.subscriptionID) == core.DeliveryPermanentlyFailed {
		return
	}

	// honor the per-user flood limit before touching the provider
	if wait := d.limiter.Take(item.userID); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}

	if ctx.Err() != nil {
		d.preserve(item)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	err := d.notifier.Send(sendCtx, item.chatID, item.message)
	cancel()

	if err == nil {
		d.onDelivered(ctx, item)
		return
	}

	d.onFailure(ctx, item, err)
}

func (d *Dispatcher) onDelivered(ctx context.Context, item deliveryItem) {
	d.mu.Lock()
	d.delivered[item.eventID] = struct{}{}
	d.states[item.subscriptionID] = core.DeliveryIdle
	d.mu.Unlock()

	if err := d.storage.ClearAttempt(ctx, item.subscriptionID); err != nil {
		d.log.WithError(err).Errorf("failed to clear attempt for subscription %d", item.subscriptionID)
	}

	d.log.Infof("delivered event %s to chat %d", item.eventID, item.chatID)
}

func (d *Dispatcher) onFailure(ctx context.Context, item deliveryItem, err error) {
	reason := core.ReasonOf(err)

	if reason == core.ReasonPermanent {
		d.disable(ctx, item, "delivery permanently failed: "+err.Error())
		return
	}

	attempt := item.attempt
	if attempt == nil {
		attempt = &core.DeliveryAttempt{
			EventID:        item.eventID,
			SubscriptionID: item.subscriptionID,
			UserID:         item.userID,
			ChatID:         item.chatID,
			Message:        item.message,
		}
	}

	attempt.Attempts++
	attempt.LastError = err.Error()

	if attempt.Attempts >= d.config.MaxAttempts {
		d.disable(ctx, item, "delivery failed after retry budget exhausted: "+err.Error())
		return
	}

	delay := d.backoff.ForAttempt(float64(attempt.Attempts - 1))

	// a provider-indicated reset time replaces the backoff curve
	var deliveryErr *core.DeliveryError
	if errors.As(err, &deliveryErr) && deliveryErr.Reason == core.ReasonRateLimited && deliveryErr.RetryAfter > 0 {
		delay = deliveryErr.RetryAfter
	}

	attempt.NextRetryAt = time.Now().Add(delay)

	if err := d.storage.SaveAttempt(ctx, attempt); err != nil {
		d.log.WithError(err).Errorf("failed to save attempt for subscription %d", item.subscriptionID)
	}

	d.mu.Lock()
	d.states[item.subscriptionID] = core.DeliveryRetrying
	d.mu.Unlock()

	d.log.WithError(err).Warnf("delivery of event %s failed (%s), retry %d/%d in %s",
		item.eventID, reason, attempt.Attempts, d.config.MaxAttempts, delay)
}

// disable turns off the subscription and drops its pending attempt so no
// further dispatch is ever tried for it
func (d *Dispatcher) disable(ctx context.Context, item deliveryItem, reason string) {
	d.mu.Lock()
	alreadyFailed := d.states[item.subscriptionID] == core.DeliveryPermanentlyFailed
	d.states[item.subscriptionID] = core.DeliveryPermanentlyFailed
	d.mu.Unlock()

	if alreadyFailed {
		return
	}

	if err := d.storage.DisableSubscription(ctx, item.subscriptionID, reason); err != nil {
		d.log.WithError(err).Errorf("failed to disable subscription %d", item.subscriptionID)
	}

	if err := d.storage.ClearAttempt(ctx, item.subscriptionID); err != nil {
		d.log.WithError(err).Errorf("failed to clear attempt for subscription %d", item.subscriptionID)
	}

	d.log.Errorf("subscription %d disabled: %s", item.subscriptionID, reason)
}

// preserve keeps the retry record intact when shutdown interrupts a delivery
func (d *Dispatcher) preserve(item deliveryItem) {
	if item.attempt == nil {
		return
	}

	if err := d.storage.SaveAttempt(context.Background(), item.attempt); err != nil {
		d.log.WithError(err).Errorf("failed to preserve attempt for subscription %d", item.subscriptionID)
	}
}
