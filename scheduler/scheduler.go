// Package scheduler drives the fetch-match-dispatch loop on a fixed interval
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raykavin/pricewatch/core"
	"github.com/raykavin/pricewatch/dispatch"
	"github.com/raykavin/pricewatch/matcher"
)

// Scheduler runs the notification pipeline: every tick it fetches a fresh
// price snapshot, matches it against the active subscriptions, and hands the
// resulting events plus any due retries to the dispatcher. Ticks are strictly
// sequential; the dispatcher parallelizes delivery internally.
type Scheduler struct {
	source     core.PriceSource
	storage    core.Storage
	matcher    *matcher.Matcher
	dispatcher *dispatch.Dispatcher
	log        core.Logger
	config     core.PipelineSettings
	symbols    []string

	storageFailures int
}

// New creates a scheduler for the given pipeline components
func New(
	source core.PriceSource,
	storage core.Storage,
	dispatcher *dispatch.Dispatcher,
	config core.PipelineSettings,
	symbols []string,
	log core.Logger,
) *Scheduler {
	return &Scheduler{
		source:     source,
		storage:    storage,
		matcher:    matcher.New(config.Trigger),
		dispatcher: dispatcher,
		log:        log,
		config:     config,
		symbols:    symbols,
	}
}

// Run drives ticks until the context is cancelled or the storage fail-stop
// threshold is reached. On cancellation the in-flight tick is given the
// configured grace period to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.log.Infof("scheduler started, tick interval %s", s.config.TickInterval)

	for {
		select {
		case <-ctx.Done():
			if !s.dispatcher.WaitWithTimeout(s.config.GracePeriod) {
				s.log.Warn("shutdown grace period elapsed with deliveries still pending")
			}
			s.log.Info("scheduler stopped")
			return nil

		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}

			if s.config.Overlap == core.OverlapSkip {
				// drop the tick buffered while dispatching overran the interval
				select {
				case <-ticker.C:
				default:
				}
			}
		}
	}
}

// Tick executes one fetch-match-dispatch cycle. A failed price fetch skips
// the tick; a non-nil error means the scheduler must halt.
func (s *Scheduler) Tick(ctx context.Context) error {
	snapshot, err := s.source.Snapshot(ctx, s.symbols)
	if err != nil {
		s.log.WithError(err).Warn("price fetch failed, skipping tick")
		return nil
	}

	subs, err := s.storage.Subscriptions(ctx, core.WithEnabled())
	if err != nil {
		return s.storageFailure(err)
	}

	due, err := s.storage.Attempts(ctx, core.WithDueBefore(time.Now()))
	if err != nil {
		return s.storageFailure(err)
	}

	s.storageFailures = 0

	// a disable issued after the attempt was saved wins over the retry
	enabled := make(map[int64]bool, len(subs))
	for _, sub := range subs {
		enabled[sub.ID] = true
	}

	retries := make([]*core.DeliveryAttempt, 0, len(due))
	for _, attempt := range due {
		if !enabled[attempt.SubscriptionID] {
			if err := s.storage.ClearAttempt(ctx, attempt.SubscriptionID); err != nil {
				s.log.WithError(err).Errorf("failed to drop attempt for disabled subscription %d", attempt.SubscriptionID)
			}
			continue
		}
		retries = append(retries, attempt)
	}

	events, changed := s.matcher.Match(snapshot, subs)

	for _, sub := range changed {
		if err := s.storage.UpdateSubscription(ctx, sub); err != nil {
			s.log.WithError(err).Errorf("failed to persist trigger state for subscription %d", sub.ID)
		}
	}

	chatIDs, err := s.resolveChats(ctx, events)
	if err != nil {
		return s.storageFailure(err)
	}

	// retries first so an event matched before a retry of the same user
	// cannot jump the queue
	s.dispatcher.Retry(ctx, retries)
	s.dispatcher.Dispatch(ctx, events, chatIDs)
	s.dispatcher.Wait()

	if len(events) > 0 || len(retries) > 0 {
		s.log.Infof("tick complete: %d events, %d retries, %d subscriptions evaluated",
			len(events), len(retries), len(subs))
	}

	return nil
}

// resolveChats maps the users behind the given events to their telegram chats
func (s *Scheduler) resolveChats(ctx context.Context, events []core.MatchEvent) (map[int64]int64, error) {
	chatIDs := make(map[int64]int64)

	for _, event := range events {
		userID := event.Subscription.UserID
		if _, ok := chatIDs[userID]; ok {
			continue
		}

		user, err := s.storage.User(ctx, userID)
		if err != nil {
			if errors.Is(err, core.ErrUserNotFound) {
				s.log.Errorf("subscription %d references unknown user %d", event.Subscription.ID, userID)
				continue
			}
			return nil, err
		}

		chatIDs[userID] = user.TelegramID
	}

	return chatIDs, nil
}

func (s *Scheduler) storageFailure(err error) error {
	s.storageFailures++
	if s.config.StorageFailureLimit > 0 && s.storageFailures >= s.config.StorageFailureLimit {
		return fmt.Errorf("storage unavailable after %d consecutive failures: %w", s.storageFailures, err)
	}

	s.log.WithError(err).Errorf("storage failure %d/%d, skipping tick",
		s.storageFailures, s.config.StorageFailureLimit)
	return nil
}
