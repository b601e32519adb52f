package core

import (
	"context"
	"time"
)

// PriceSource fetches current prices for a set of tracked symbols.
type PriceSource interface {
	// Snapshot returns a fresh price snapshot for the given symbols.
	// It must fail with ErrSourceUnavailable rather than return partial data.
	Snapshot(ctx context.Context, symbols []string) (PriceSnapshot, error)
}

// Notifier delivers a message to a single recipient chat.
// Failed deliveries return a *DeliveryError so callers can classify them.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// NotifierWithStart is a notifier with its own lifecycle, e.g. a long-polling bot
type NotifierWithStart interface {
	Notifier
	Start()
	Stop()
}

// Storage is the durable record of users, subscriptions and pending delivery
// attempts. Implementations must keep delivery attempt counters across restarts.
type Storage interface {
	// CreateUser stores a new user
	CreateUser(ctx context.Context, user *User) error

	// User retrieves a user by id
	User(ctx context.Context, id int64) (*User, error)

	// UserByName retrieves a user by username
	UserByName(ctx context.Context, username string) (*User, error)

	// CreateSubscription stores a new subscription. It fails with
	// ErrDuplicateSubscription when an enabled subscription with the same
	// (user, symbol, condition) already exists.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription updates an existing subscription
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// DisableSubscription disables a subscription and records the reason
	DisableSubscription(ctx context.Context, id int64, reason string) error

	// Subscriptions retrieves subscriptions based on provided filters,
	// ordered by user id then symbol
	Subscriptions(ctx context.Context, filters ...SubscriptionFilter) ([]*Subscription, error)

	// SaveAttempt creates or updates a delivery attempt record
	SaveAttempt(ctx context.Context, attempt *DeliveryAttempt) error

	// ClearAttempt removes the delivery attempt for a subscription, if any
	ClearAttempt(ctx context.Context, subscriptionID int64) error

	// Attempts retrieves delivery attempts based on provided filters
	Attempts(ctx context.Context, filters ...AttemptFilter) ([]*DeliveryAttempt, error)
}

// SubscriptionFilter narrows the result set of Storage.Subscriptions
type SubscriptionFilter func(sub Subscription) bool

// AttemptFilter narrows the result set of Storage.Attempts
type AttemptFilter func(attempt DeliveryAttempt) bool

func WithEnabled() SubscriptionFilter {
	return func(sub Subscription) bool {
		return sub.Enabled
	}
}

func WithUser(userID int64) SubscriptionFilter {
	return func(sub Subscription) bool {
		return sub.UserID == userID
	}
}

func WithSymbol(symbol string) SubscriptionFilter {
	return func(sub Subscription) bool {
		return sub.Symbol == symbol
	}
}

func WithDueBefore(t time.Time) AttemptFilter {
	return func(attempt DeliveryAttempt) bool {
		return !attempt.NextRetryAt.After(t)
	}
}

func WithSubscription(subscriptionID int64) AttemptFilter {
	return func(attempt DeliveryAttempt) bool {
		return attempt.SubscriptionID == subscriptionID
	}
}
