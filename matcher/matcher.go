// Package matcher evaluates subscriptions against price snapshots
package matcher

import (
	"github.com/google/uuid"
	"github.com/raykavin/pricewatch/core"
)

// Matcher produces match events for subscriptions whose condition is satisfied
// by the current snapshot. It holds no state between ticks; cross semantics
// rely on the LastSatisfied flag persisted on each subscription.
type Matcher struct {
	policy core.TriggerPolicy
}

// New creates a matcher with the given trigger policy
func New(policy core.TriggerPolicy) *Matcher {
	if policy == "" {
		policy = core.TriggerOnCross
	}
	return &Matcher{policy: policy}
}

// Match evaluates every subscription against the snapshot and returns the
// match events in input order, plus the subscriptions whose LastSatisfied flag
// changed and must be persisted. Subscriptions whose symbol is absent from the
// snapshot are skipped, not an error.
func (m *Matcher) Match(snapshot core.PriceSnapshot, subs []*core.Subscription) ([]core.MatchEvent, []*core.Subscription) {
	events := make([]core.MatchEvent, 0, len(subs))
	changed := make([]*core.Subscription, 0)

	for _, sub := range subs {
		price, ok := snapshot.Price(sub.Symbol)
		if !ok {
			continue
		}

		satisfied := sub.Condition.Evaluate(price)

		trigger := satisfied
		if m.policy == core.TriggerOnCross {
			trigger = satisfied && !sub.LastSatisfied
		}

		if satisfied != sub.LastSatisfied {
			sub.LastSatisfied = satisfied
			changed = append(changed, sub)
		}

		if trigger {
			events = append(events, core.MatchEvent{
				ID:           uuid.NewString(),
				Subscription: *sub,
				Price:        price,
				MatchedAt:    snapshot.ObservedAt(),
			})
		}
	}

	return events, changed
}
