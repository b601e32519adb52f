package core

import (
	"fmt"
	"time"
)

// PriceSnapshot is an immutable point-in-time mapping of symbol to price.
// It is produced fresh each scheduler tick and never mutated afterwards.
type PriceSnapshot struct {
	prices     map[string]float64
	observedAt time.Time
}

// NewPriceSnapshot creates a snapshot from the given prices. The map is copied
// so the snapshot stays immutable.
func NewPriceSnapshot(prices map[string]float64, observedAt time.Time) PriceSnapshot {
	copied := make(map[string]float64, len(prices))
	for symbol, price := range prices {
		copied[symbol] = price
	}

	return PriceSnapshot{prices: copied, observedAt: observedAt}
}

// Price returns the price for a symbol and whether the snapshot contains it
func (s PriceSnapshot) Price(symbol string) (float64, bool) {
	price, ok := s.prices[symbol]
	return price, ok
}

// Len returns the number of symbols in the snapshot
func (s PriceSnapshot) Len() int {
	return len(s.prices)
}

// ObservedAt returns the time the snapshot was taken
func (s PriceSnapshot) ObservedAt() time.Time {
	return s.observedAt
}

// MatchEvent is a detected condition satisfaction pairing a subscription with
// the triggering price. It lives for one tick unless delivery fails and a
// DeliveryAttempt takes over.
type MatchEvent struct {
	ID           string       `json:"id"`
	Subscription Subscription `json:"subscription"`
	Price        float64      `json:"price"`
	MatchedAt    time.Time    `json:"matched_at"`
}

// Message renders the notification text sent to the user
func (e MatchEvent) Message() string {
	return fmt.Sprintf("🔔 %s alert: price is %.8g (%s)", e.Subscription.Symbol, e.Price, e.Subscription.Condition)
}

// DeliveryAttempt tracks a match event awaiting retry after a failed delivery.
// It is created on the first failure, updated on every subsequent one and
// removed on success or once the retry budget is exhausted. Attempt counters
// survive process restarts and are never reset.
type DeliveryAttempt struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	EventID        string    `json:"event_id"`
	SubscriptionID int64     `json:"subscription_id" gorm:"index"`
	UserID         int64     `json:"user_id"`
	ChatID         int64     `json:"chat_id"`
	Message        string    `json:"message"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeliveryState is the per-subscription delivery status
type DeliveryState string

const (
	DeliveryIdle              DeliveryState = "idle"
	DeliveryPending           DeliveryState = "pending"
	DeliveryRetrying          DeliveryState = "retrying"
	DeliveryDelivered         DeliveryState = "delivered"
	DeliveryPermanentlyFailed DeliveryState = "permanently_failed"
)
