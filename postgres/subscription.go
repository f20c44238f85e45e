package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/agencykit/integrations/models"
)

// subscriptionRepository implements models.SubscriptionRepository
type subscriptionRepository struct {
	db *sql.DB
}

// NewSubscriptionRepository creates a new SubscriptionRepository
func NewSubscriptionRepository(db *sql.DB) models.SubscriptionRepository {
	return &subscriptionRepository{db: db}
}

const planColumns = `id, name, stripe_price_id, price_cents, features, active, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (models.SubscriptionPlan, error) {
	var plan models.SubscriptionPlan
	var featuresJSON []byte
	err := row.Scan(&plan.ID, &plan.Name, &plan.StripePriceID, &plan.PriceCents,
		&featuresJSON, &plan.Active, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SubscriptionPlan{}, models.ErrNotFound
		}
		return models.SubscriptionPlan{}, err
	}

	if featuresJSON != nil {
		if err := json.Unmarshal(featuresJSON, &plan.Features); err != nil {
			return models.SubscriptionPlan{}, err
		}
	}

	return plan, nil
}

// GetPlanByID retrieves a subscription plan by ID
func (repo *subscriptionRepository) GetPlanByID(ctx context.Context, planID string) (models.SubscriptionPlan, error) {
	const q = `SELECT ` + planColumns + ` FROM subscription_plans WHERE id = $1`

	return scanPlan(repo.db.QueryRowContext(ctx, q, planID))
}

// GetPlanByStripeID retrieves a subscription plan by Stripe price ID
func (repo *subscriptionRepository) GetPlanByStripeID(ctx context.Context, stripePriceID string) (models.SubscriptionPlan, error) {
	const q = `SELECT ` + planColumns + ` FROM subscription_plans WHERE stripe_price_id = $1`

	return scanPlan(repo.db.QueryRowContext(ctx, q, stripePriceID))
}

// GetPlans retrieves all active subscription plans
func (repo *subscriptionRepository) GetPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	const q = `SELECT ` + planColumns + ` FROM subscription_plans WHERE active = true ORDER BY price_cents ASC`

	rows, err := repo.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []models.SubscriptionPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	return plans, rows.Err()
}

const subscriptionColumns = `id, user_id, stripe_customer_id, COALESCE(stripe_subscription_id, ''), plan_id, status,
           COALESCE(current_period_start, NOW()), COALESCE(current_period_end, NOW()),
           cancel_at_period_end, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (models.UserSubscription, error) {
	var sub models.UserSubscription
	err := row.Scan(&sub.ID, &sub.UserID, &sub.StripeCustomerID, &sub.StripeSubscriptionID, &sub.PlanID,
		&sub.Status, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UserSubscription{}, models.ErrNotFound
		}
		return models.UserSubscription{}, err
	}

	return sub, nil
}

// GetUserSubscription retrieves a user's subscription
func (repo *subscriptionRepository) GetUserSubscription(ctx context.Context, userID string) (models.UserSubscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE user_id = $1`

	return scanSubscription(repo.db.QueryRowContext(ctx, q, userID))
}

// GetSubscriptionByStripeID retrieves a subscription by Stripe subscription ID
func (repo *subscriptionRepository) GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (models.UserSubscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM user_subscriptions WHERE stripe_subscription_id = $1`

	return scanSubscription(repo.db.QueryRowContext(ctx, q, stripeSubID))
}

// CreateUserSubscription creates a new user subscription
func (repo *subscriptionRepository) CreateUserSubscription(ctx context.Context, sub *models.UserSubscription) error {
	const q = `INSERT INTO user_subscriptions (user_id, stripe_customer_id, stripe_subscription_id, plan_id, status,
	           current_period_start, current_period_end, cancel_at_period_end, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}

	err := repo.db.QueryRowContext(ctx, q, sub.UserID, sub.StripeCustomerID, sub.StripeSubscriptionID,
		sub.PlanID, sub.Status, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.CreatedAt, sub.UpdatedAt).Scan(&sub.ID)
	return err
}

// UpdateUserSubscription updates an existing user subscription
func (repo *subscriptionRepository) UpdateUserSubscription(ctx context.Context, sub *models.UserSubscription) error {
	const q = `UPDATE user_subscriptions
	           SET stripe_subscription_id = $2, plan_id = $3, status = $4, current_period_start = $5,
	               current_period_end = $6, cancel_at_period_end = $7, updated_at = $8
	           WHERE user_id = $1`

	sub.UpdatedAt = time.Now().UTC()

	_, err := repo.db.ExecContext(ctx, q, sub.UserID, sub.StripeSubscriptionID, sub.PlanID, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.UpdatedAt)
	return err
}

// UpdateSubscriptionStatus updates subscription status by Stripe subscription ID
func (repo *subscriptionRepository) UpdateSubscriptionStatus(ctx context.Context, stripeSubID, status string) error {
	const q = `UPDATE user_subscriptions SET status = $2, updated_at = $3 WHERE stripe_subscription_id = $1`

	_, err := repo.db.ExecContext(ctx, q, stripeSubID, status, time.Now().UTC())
	return err
}

// webhookRepository implements models.WebhookRepository
type webhookRepository struct {
	db *sql.DB
}

// NewWebhookRepository creates a new WebhookRepository
func NewWebhookRepository(db *sql.DB) models.WebhookRepository {
	return &webhookRepository{db: db}
}

// IsEventProcessed checks if a webhook event has been processed
func (repo *webhookRepository) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	const q = `SELECT COUNT(*) FROM webhook_events WHERE stripe_event_id = $1`

	var count int
	err := repo.db.QueryRowContext(ctx, q, eventID).Scan(&count)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

// SaveEvent saves a processed webhook event
func (repo *webhookRepository) SaveEvent(ctx context.Context, event *models.WebhookEvent) error {
	const q = `INSERT INTO webhook_events (stripe_event_id, event_type, processed_at, data)
	           VALUES ($1, $2, $3, $4) ON CONFLICT (stripe_event_id) DO NOTHING`

	dataJSON, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}

	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = time.Now().UTC()
	}

	_, err = repo.db.ExecContext(ctx, q, event.StripeEventID, event.EventType, event.ProcessedAt, dataJSON)
	return err
}
