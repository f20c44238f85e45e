package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/agencykit/integrations/access"
	"github.com/agencykit/integrations/models"
	stripeClient "github.com/agencykit/integrations/stripe"
)

// ServiceInterface defines the subscription service interface
type ServiceInterface interface {
	CreateSubscription(ctx context.Context, userID, planID string) (*models.UserSubscription, error)
	GetUserSubscription(ctx context.Context, userID string) (*SubscriptionWithPlan, error)
	GetUserSubscriptionStatus(ctx context.Context, userID string) (*UnifiedSubscriptionStatus, error)
	SubscriptionState(ctx context.Context, userID string) (access.SubscriptionState, error)
	CancelSubscription(ctx context.Context, userID string) error
	GetPlans(ctx context.Context) ([]models.SubscriptionPlan, error)
	CreateBillingPortalSession(ctx context.Context, userID, returnURL string) (string, error)
	ProcessWebhookEvent(ctx context.Context, event *stripe.Event) error
}

// Service handles subscription business logic
type Service struct {
	stripeClient stripeClient.Client
	subRepo      models.SubscriptionRepository
	userRepo     models.UserRepository
	webhookRepo  models.WebhookRepository
	logger       *log.Logger
}

// NewService creates a new subscription service
func NewService(
	stripeClient stripeClient.Client,
	subRepo models.SubscriptionRepository,
	userRepo models.UserRepository,
	webhookRepo models.WebhookRepository,
	logger *log.Logger,
) *Service {
	return &Service{
		stripeClient: stripeClient,
		subRepo:      subRepo,
		userRepo:     userRepo,
		webhookRepo:  webhookRepo,
		logger:       logger,
	}
}

// SubscriptionState resolves the plan features the integration access gate
// evaluates. A user without a resolvable plan falls back to the free plan's
// feature set rather than failing the connect flow outright.
func (s *Service) SubscriptionState(ctx context.Context, userID string) (access.SubscriptionState, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return access.SubscriptionState{}, fmt.Errorf("failed to get user: %w", err)
	}

	planID := user.SubscriptionPlanID
	if planID == "" {
		planID = "free"
	}

	plan, err := s.subRepo.GetPlanByID(ctx, planID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return access.SubscriptionState{PlanID: planID}, nil
		}
		return access.SubscriptionState{}, fmt.Errorf("failed to get plan: %w", err)
	}

	return access.SubscriptionState{PlanID: plan.ID, Features: plan.Features}, nil
}

// CreateSubscription creates a new subscription for a user
func (s *Service) CreateSubscription(ctx context.Context, userID, planID string) (*models.UserSubscription, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	plan, err := s.subRepo.GetPlanByID(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	existingSub, existingSubErr := s.subRepo.GetUserSubscription(ctx, userID)
	if existingSubErr == nil {
		if existingSub.Status == "active" {
			return nil, errors.New("user already has an active subscription")
		}
	}

	// Create or get Stripe customer
	var customerID string
	if existingSubErr != nil || existingSub.StripeCustomerID == "" {
		stripeCustomer, err := s.stripeClient.CreateCustomer(ctx, &user)
		if err != nil {
			return nil, fmt.Errorf("failed to create Stripe customer: %w", err)
		}
		customerID = stripeCustomer.ID
	} else {
		customerID = existingSub.StripeCustomerID
	}

	stripeSubscription, err := s.stripeClient.CreateSubscription(ctx, customerID, plan.StripePriceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe subscription: %w", err)
	}

	userSub := &models.UserSubscription{
		UserID:               userID,
		StripeCustomerID:     customerID,
		StripeSubscriptionID: stripeSubscription.ID,
		PlanID:               planID,
		Status:               string(stripeSubscription.Status),
		CurrentPeriodStart:   time.Unix(stripeSubscription.CurrentPeriodStart, 0),
		CurrentPeriodEnd:     time.Unix(stripeSubscription.CurrentPeriodEnd, 0),
		CancelAtPeriodEnd:    stripeSubscription.CancelAtPeriodEnd,
	}

	if existingSubErr != nil {
		err = s.subRepo.CreateUserSubscription(ctx, userSub)
		if err != nil {
			return nil, fmt.Errorf("failed to create user subscription: %w", err)
		}
	} else {
		userSub.ID = existingSub.ID
		err = s.subRepo.UpdateUserSubscription(ctx, userSub)
		if err != nil {
			return nil, fmt.Errorf("failed to update user subscription: %w", err)
		}
	}

	s.logger.Printf("Created subscription for user %s with plan %s", userID, planID)
	return userSub, nil
}

// GetUserSubscription retrieves a user's subscription with plan details
func (s *Service) GetUserSubscription(ctx context.Context, userID string) (*SubscriptionWithPlan, error) {
	sub, err := s.subRepo.GetUserSubscription(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user subscription: %w", err)
	}

	plan, err := s.subRepo.GetPlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	return &SubscriptionWithPlan{
		Subscription: sub,
		Plan:         plan,
	}, nil
}

// GetUserSubscriptionStatus retrieves a unified subscription status for both free and paid users
func (s *Service) GetUserSubscriptionStatus(ctx context.Context, userID string) (*UnifiedSubscriptionStatus, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	plan, err := s.subRepo.GetPlanByID(ctx, user.SubscriptionPlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	status := &UnifiedSubscriptionStatus{
		Plan:   plan,
		IsPaid: user.SubscriptionPlanID != "free",
	}

	// If user is not on the free plan, try to get their subscription details.
	// A missing subscription row is tolerated: user.subscription_plan_id may
	// be updated before the subscription record lands.
	if user.SubscriptionPlanID != "free" {
		sub, err := s.subRepo.GetUserSubscription(ctx, userID)
		if err == nil {
			status.Subscription = &sub
		}
	}

	return status, nil
}

// CancelSubscription cancels a user's subscription
func (s *Service) CancelSubscription(ctx context.Context, userID string) error {
	sub, err := s.subRepo.GetUserSubscription(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get user subscription: %w", err)
	}

	if sub.StripeSubscriptionID == "" {
		return errors.New("no active subscription found")
	}

	_, err = s.stripeClient.CancelSubscription(ctx, sub.StripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to cancel Stripe subscription: %w", err)
	}

	s.logger.Printf("Canceled subscription for user %s", userID)
	return nil
}

// GetPlans retrieves all available subscription plans
func (s *Service) GetPlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	return s.subRepo.GetPlans(ctx)
}

// CreateBillingPortalSession creates a Stripe billing portal session
func (s *Service) CreateBillingPortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	sub, err := s.subRepo.GetUserSubscription(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get user subscription: %w", err)
	}

	if sub.StripeCustomerID == "" {
		return "", errors.New("no customer found")
	}

	session, err := s.stripeClient.CreateBillingPortalSession(ctx, sub.StripeCustomerID, returnURL)
	if err != nil {
		return "", fmt.Errorf("failed to create billing portal session: %w", err)
	}

	return session.URL, nil
}

// ProcessWebhookEvent processes a Stripe webhook event
func (s *Service) ProcessWebhookEvent(ctx context.Context, event *stripe.Event) error {
	processed, err := s.webhookRepo.IsEventProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("failed to check if event is processed: %w", err)
	}

	if processed {
		s.logger.Printf("Event %s already processed", event.ID)
		return nil
	}

	s.logger.Printf("Processing webhook event: %s (ID: %s)", event.Type, event.ID)

	maxRetries := 3
	for i := 0; i < maxRetries; i++ {
		err = s.processEvent(ctx, event)
		if err == nil {
			break
		}

		if i == maxRetries-1 {
			s.logger.Printf("Failed to process event %s after %d retries: %v", event.ID, maxRetries, err)
			return fmt.Errorf("failed to process event after %d retries: %w", maxRetries, err)
		}

		backoffDuration := time.Duration(math.Pow(2, float64(i))) * time.Second
		s.logger.Printf("Retrying event %s in %v (attempt %d/%d)", event.ID, backoffDuration, i+1, maxRetries)
		time.Sleep(backoffDuration)
	}

	eventData := make(map[string]interface{})
	if event.Data != nil && event.Data.Raw != nil {
		err = json.Unmarshal(event.Data.Raw, &eventData)
		if err != nil {
			s.logger.Printf("Failed to unmarshal event data: %v", err)
		}
	}

	webhookEvent := &models.WebhookEvent{
		StripeEventID: event.ID,
		EventType:     string(event.Type),
		Data:          eventData,
	}

	err = s.webhookRepo.SaveEvent(ctx, webhookEvent)
	if err != nil {
		return fmt.Errorf("failed to save webhook event: %w", err)
	}

	return nil
}

func (s *Service) processEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "customer.subscription.created":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.updated":
		return s.handleSubscriptionChanged(ctx, event)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_succeeded", "invoice.paid":
		return s.handleInvoicePaymentSucceeded(ctx, event)
	case "invoice.payment_failed":
		return s.handleInvoicePaymentFailed(ctx, event)
	default:
		s.logger.Printf("Unhandled event type: %s", event.Type)
		return nil
	}
}

func (s *Service) handleSubscriptionChanged(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	err := json.Unmarshal(event.Data.Raw, &subscription)
	if err != nil {
		return fmt.Errorf("failed to parse subscription object: %w", err)
	}

	return s.updateSubscriptionFromStripe(ctx, &subscription)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event) error {
	var subscription stripe.Subscription
	err := json.Unmarshal(event.Data.Raw, &subscription)
	if err != nil {
		return fmt.Errorf("failed to parse subscription object: %w", err)
	}

	err = s.subRepo.UpdateSubscriptionStatus(ctx, subscription.ID, "canceled")
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}

	// Drop the user back to the free plan; the access gate picks this up on
	// the next connect attempt.
	existingSub, err := s.subRepo.GetSubscriptionByStripeID(ctx, subscription.ID)
	if err == nil && existingSub.UserID != "" {
		if err := s.userRepo.UpdateUserSubscriptionPlan(ctx, existingSub.UserID, "free"); err != nil {
			s.logger.Printf("Failed to downgrade user %s to free plan: %v", existingSub.UserID, err)
		}
	}

	s.logger.Printf("Subscription %s deleted", subscription.ID)
	return nil
}

func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	err := json.Unmarshal(event.Data.Raw, &invoice)
	if err != nil {
		return fmt.Errorf("failed to parse invoice object: %w", err)
	}

	if invoice.Subscription != nil {
		err = s.subRepo.UpdateSubscriptionStatus(ctx, invoice.Subscription.ID, "active")
		if err != nil {
			return fmt.Errorf("failed to update subscription status: %w", err)
		}
	}

	s.logger.Printf("Invoice payment succeeded for subscription %s", invoice.Subscription.ID)
	return nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, event *stripe.Event) error {
	var invoice stripe.Invoice
	err := json.Unmarshal(event.Data.Raw, &invoice)
	if err != nil {
		return fmt.Errorf("failed to parse invoice object: %w", err)
	}

	if invoice.Subscription != nil {
		err = s.subRepo.UpdateSubscriptionStatus(ctx, invoice.Subscription.ID, "past_due")
		if err != nil {
			return fmt.Errorf("failed to update subscription status: %w", err)
		}
	}

	s.logger.Printf("Invoice payment failed for subscription %s", invoice.Subscription.ID)
	return nil
}

// updateSubscriptionFromStripe updates local subscription from Stripe data
func (s *Service) updateSubscriptionFromStripe(ctx context.Context, stripeSubscription *stripe.Subscription) error {
	if stripeSubscription.Items == nil || len(stripeSubscription.Items.Data) == 0 ||
		stripeSubscription.Items.Data[0].Price == nil {
		return errors.New("invalid subscription data: missing items or price")
	}

	priceID := stripeSubscription.Items.Data[0].Price.ID
	plan, err := s.subRepo.GetPlanByStripeID(ctx, priceID)
	if err != nil {
		return fmt.Errorf("failed to get plan by Stripe price ID: %w", err)
	}

	userSub := &models.UserSubscription{
		StripeSubscriptionID: stripeSubscription.ID,
		PlanID:               plan.ID,
		Status:               string(stripeSubscription.Status),
		CurrentPeriodStart:   time.Unix(stripeSubscription.CurrentPeriodStart, 0),
		CurrentPeriodEnd:     time.Unix(stripeSubscription.CurrentPeriodEnd, 0),
		CancelAtPeriodEnd:    stripeSubscription.CancelAtPeriodEnd,
	}

	existingSub, err := s.subRepo.GetSubscriptionByStripeID(ctx, stripeSubscription.ID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Subscription created outside our flow; nothing local to update.
			s.logger.Printf("No local record for subscription %s, skipping", stripeSubscription.ID)
			return nil
		}
		return fmt.Errorf("failed to look up subscription: %w", err)
	}

	userSub.ID = existingSub.ID
	userSub.UserID = existingSub.UserID
	userSub.StripeCustomerID = existingSub.StripeCustomerID
	if err := s.subRepo.UpdateUserSubscription(ctx, userSub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if userSub.UserID != "" {
		err = s.userRepo.UpdateUserSubscriptionPlan(ctx, userSub.UserID, plan.ID)
		if err != nil {
			s.logger.Printf("Failed to update user subscription plan: %v", err)
		}
	}

	s.logger.Printf("Updated subscription %s to status %s", stripeSubscription.ID, stripeSubscription.Status)
	return nil
}

// SubscriptionWithPlan combines subscription and plan information
type SubscriptionWithPlan struct {
	Subscription models.UserSubscription `json:"subscription"`
	Plan         models.SubscriptionPlan `json:"plan"`
}

// UnifiedSubscriptionStatus provides a consistent response for all users
type UnifiedSubscriptionStatus struct {
	Plan         models.SubscriptionPlan  `json:"plan"`
	Subscription *models.UserSubscription `json:"subscription,omitempty"`
	IsPaid       bool                     `json:"is_paid"`
}
