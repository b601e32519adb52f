package core

import (
	"fmt"
	"time"
)

// Op is a comparison operator for a subscription condition
type Op string

const (
	OpGTE Op = ">="
	OpLTE Op = "<="
)

// Condition is a static price comparison evaluated against the current
// snapshot. Cross semantics are handled by the trigger policy, not here.
type Condition struct {
	Op        Op      `json:"op" gorm:"column:op"`
	Threshold float64 `json:"threshold" gorm:"column:threshold"`
}

// NewCondition validates and creates a condition
func NewCondition(op Op, threshold float64) (Condition, error) {
	switch op {
	case OpGTE, OpLTE:
	default:
		return Condition{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, op)
	}

	if threshold <= 0 {
		return Condition{}, fmt.Errorf("%w: threshold must be positive", ErrInvalidCondition)
	}

	return Condition{Op: op, Threshold: threshold}, nil
}

// Evaluate reports whether the given price satisfies the condition
func (c Condition) Evaluate(price float64) bool {
	switch c.Op {
	case OpGTE:
		return price >= c.Threshold
	case OpLTE:
		return price <= c.Threshold
	default:
		return false
	}
}

func (c Condition) String() string {
	return fmt.Sprintf("price %s %.8g", c.Op, c.Threshold)
}

// TriggerPolicy controls when a satisfied condition produces a notification
type TriggerPolicy string

const (
	// TriggerAlways notifies on every tick where the condition holds
	TriggerAlways TriggerPolicy = "always"

	// TriggerOnCross notifies only on a false->true transition of the
	// condition, tracked via Subscription.LastSatisfied
	TriggerOnCross TriggerPolicy = "cross"
)

// User represents a registered user able to receive notifications
type User struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	Username       string    `json:"username" gorm:"uniqueIndex"`
	HashedPassword string    `json:"hashed_password"`
	TelegramID     int64     `json:"telegram_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Subscription is a user's standing request to be notified when a symbol's
// price satisfies a condition. At most one enabled subscription may exist per
// (user, symbol, condition) tuple.
type Subscription struct {
	ID             int64     `json:"id" gorm:"primaryKey"`
	UserID         int64     `json:"user_id" gorm:"index"`
	Symbol         string    `json:"symbol"`
	Condition      Condition `json:"condition" gorm:"embedded"`
	Enabled        bool      `json:"enabled"`
	DisabledReason string    `json:"disabled_reason,omitempty"`
	LastSatisfied  bool      `json:"last_satisfied"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SameTarget reports whether two subscriptions share the uniqueness tuple
func (s Subscription) SameTarget(other Subscription) bool {
	return s.UserID == other.UserID &&
		s.Symbol == other.Symbol &&
		s.Condition == other.Condition
}

func (s Subscription) String() string {
	return fmt.Sprintf("subscription %d: user=%d %s %s", s.ID, s.UserID, s.Symbol, s.Condition)
}
