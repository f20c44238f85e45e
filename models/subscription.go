package models

import (
	"context"
	"time"
)

// SubscriptionPlan describes a purchasable plan tier. Features lists the
// integration providers the plan unlocks.
type SubscriptionPlan struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	StripePriceID string    `json:"stripe_price_id"`
	Features      []string  `json:"features"`
	PriceCents    int64     `json:"price_cents"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UserSubscription is the local mirror of a Stripe subscription.
type UserSubscription struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	StripeCustomerID     string    `json:"stripe_customer_id"`
	StripeSubscriptionID string    `json:"stripe_subscription_id"`
	PlanID               string    `json:"plan_id"`
	Status               string    `json:"status"`
	CurrentPeriodStart   time.Time `json:"current_period_start"`
	CurrentPeriodEnd     time.Time `json:"current_period_end"`
	CancelAtPeriodEnd    bool      `json:"cancel_at_period_end"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// WebhookEvent records a processed Stripe event for idempotency.
type WebhookEvent struct {
	StripeEventID string                 `json:"stripe_event_id"`
	EventType     string                 `json:"event_type"`
	ProcessedAt   time.Time              `json:"processed_at"`
	Data          map[string]interface{} `json:"data"`
}

// SubscriptionRepository manages plans and user subscriptions.
type SubscriptionRepository interface {
	GetPlans(ctx context.Context) ([]SubscriptionPlan, error)
	GetPlanByID(ctx context.Context, id string) (SubscriptionPlan, error)
	GetPlanByStripeID(ctx context.Context, priceID string) (SubscriptionPlan, error)
	GetUserSubscription(ctx context.Context, userID string) (UserSubscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (UserSubscription, error)
	CreateUserSubscription(ctx context.Context, sub *UserSubscription) error
	UpdateUserSubscription(ctx context.Context, sub *UserSubscription) error
	UpdateSubscriptionStatus(ctx context.Context, stripeSubscriptionID, status string) error
}

// WebhookRepository tracks processed webhook deliveries.
type WebhookRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	SaveEvent(ctx context.Context, event *WebhookEvent) error
}
