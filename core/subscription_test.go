package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewCondition(t *testing.T) {
	condition, err := NewCondition(OpGTE, 50000)
	require.NoError(t, err)
	require.True(t, condition.Evaluate(50000))
	require.True(t, condition.Evaluate(51000))
	require.False(t, condition.Evaluate(49999))

	condition, err = NewCondition(OpLTE, 2000)
	require.NoError(t, err)
	require.True(t, condition.Evaluate(2000))
	require.False(t, condition.Evaluate(2000.01))

	_, err = NewCondition("==", 50000)
	require.ErrorIs(t, err, ErrInvalidCondition)

	_, err = NewCondition(OpGTE, -1)
	require.ErrorIs(t, err, ErrInvalidCondition)
}

func TestSubscription_SameTarget(t *testing.T) {
	a := Subscription{UserID: 1, Symbol: "BTCUSDT", Condition: Condition{Op: OpGTE, Threshold: 50000}}

	b := a
	b.ID = 99
	b.Enabled = false
	require.True(t, a.SameTarget(b), "id and enabled flag are not part of the tuple")

	c := a
	c.Condition.Threshold = 60000
	require.False(t, a.SameTarget(c))

	d := a
	d.Condition.Op = OpLTE
	require.False(t, a.SameTarget(d))
}

func TestPriceSnapshot_Immutable(t *testing.T) {
	prices := map[string]float64{"BTCUSDT": 50000}
	snapshot := NewPriceSnapshot(prices, time.Now())

	prices["BTCUSDT"] = 1

	price, ok := snapshot.Price("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, 50000.0, price)

	_, ok = snapshot.Price("ETHUSDT")
	require.False(t, ok)
}

func TestReasonOf(t *testing.T) {
	require.Equal(t, ReasonPermanent, ReasonOf(NewPermanentError(ErrUserNotFound)))
	require.Equal(t, ReasonRateLimited, ReasonOf(NewRateLimitedError(ErrSourceUnavailable, time.Second)))
	require.Equal(t, ReasonRetryable, ReasonOf(ErrSourceUnavailable), "unclassified errors default to retryable")
}
