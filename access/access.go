// Package access decides whether a user may start an integration flow.
package access

import (
	"time"
)

// Feature names gated features. They match the provider names used by the
// integration routes.
type Feature string

const (
	FeatureSlack     Feature = "slack"
	FeatureGmail     Feature = "gmail"
	FeatureInstagram Feature = "instagram"
	FeatureLinkedIn  Feature = "linkedin"
)

// Clock abstracts wall-clock time so decisions are testable at arbitrary
// instants.
type Clock interface {
	Now() time.Time
}

// SystemClock is the Clock used in production.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Promotion is a time-boxed free-access window. Features on the exclusion
// list stay gated for the whole window.
type Promotion struct {
	ExpiresAt time.Time
	Excluded  []Feature
}

// Covers reports whether the promotion grants feature at instant now.
func (p Promotion) Covers(now time.Time, feature Feature) bool {
	if !now.Before(p.ExpiresAt) {
		return false
	}

	for _, excluded := range p.Excluded {
		if excluded == feature {
			return false
		}
	}

	return true
}

// SubscriptionState is the minimal view of a user's subscription the gate
// needs.
type SubscriptionState struct {
	PlanID   string
	Features []string
}

// Outcome is the result of an access decision.
type Outcome int

const (
	// AllowedByPromotion means the time-boxed free-access window covers the feature.
	AllowedByPromotion Outcome = iota
	// AllowedBySubscription means the user's plan includes the feature.
	AllowedBySubscription
	// Denied means the caller must surface an upgrade-required signal.
	Denied
)

// Decision carries the outcome plus the plan that was evaluated.
type Decision struct {
	Outcome Outcome
	PlanID  string
}

// Allowed reports whether the flow may proceed.
func (d Decision) Allowed() bool { return d.Outcome != Denied }

// Gate evaluates access decisions against an optional promotion window.
type Gate struct {
	clock     Clock
	promotion *Promotion
}

// NewGate creates a Gate. promotion may be nil when no free-access window is
// configured.
func NewGate(clock Clock, promotion *Promotion) *Gate {
	if clock == nil {
		clock = SystemClock{}
	}

	return &Gate{clock: clock, promotion: promotion}
}

// Decide is a pure function of the clock, the promotion, and the
// subscription state. Promotion wins before the subscription is consulted.
func (g *Gate) Decide(feature Feature, sub SubscriptionState) Decision {
	now := g.clock.Now()

	if g.promotion != nil && g.promotion.Covers(now, feature) {
		return Decision{Outcome: AllowedByPromotion, PlanID: sub.PlanID}
	}

	for _, f := range sub.Features {
		if f == string(feature) {
			return Decision{Outcome: AllowedBySubscription, PlanID: sub.PlanID}
		}
	}

	return Decision{Outcome: Denied, PlanID: sub.PlanID}
}
