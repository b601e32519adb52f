package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrSourceUnavailable     = errors.New("price source unavailable")
	ErrDuplicateSubscription = errors.New("duplicate active subscription")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrUserNotFound          = errors.New("user not found")
	ErrDuplicateUser         = errors.New("duplicate username")
	ErrInvalidCondition      = errors.New("invalid condition")
)

// DeliveryReason classifies a delivery failure
type DeliveryReason string

const (
	// ReasonRetryable marks transient failures worth retrying with backoff
	ReasonRetryable DeliveryReason = "retryable"

	// ReasonPermanent marks failures that retrying cannot fix, e.g. the
	// recipient never started a conversation with the bot
	ReasonPermanent DeliveryReason = "permanent"

	// ReasonRateLimited marks provider flood control responses carrying a
	// reset time
	ReasonRateLimited DeliveryReason = "rate_limited"
)

// DeliveryError represents a failed delivery to the messaging provider
type DeliveryError struct {
	Reason     DeliveryReason
	RetryAfter time.Duration // provider reset time, set when Reason is ReasonRateLimited
	Err        error
}

// Error implements the error interface for DeliveryError
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps a transient delivery failure
func NewRetryableError(err error) *DeliveryError {
	return &DeliveryError{Reason: ReasonRetryable, Err: err}
}

// NewPermanentError wraps a delivery failure that retrying cannot fix
func NewPermanentError(err error) *DeliveryError {
	return &DeliveryError{Reason: ReasonPermanent, Err: err}
}

// NewRateLimitedError wraps a provider flood control response
func NewRateLimitedError(err error, retryAfter time.Duration) *DeliveryError {
	return &DeliveryError{Reason: ReasonRateLimited, RetryAfter: retryAfter, Err: err}
}

// ReasonOf extracts the delivery failure reason from an error chain.
// Unclassified errors are treated as retryable.
func ReasonOf(err error) DeliveryReason {
	var deliveryErr *DeliveryError
	if errors.As(err, &deliveryErr) {
		return deliveryErr.Reason
	}
	return ReasonRetryable
}
