package models

import (
	"context"
	"time"
)

// User represents a registered platform user.
type User struct {
	ID                 string
	Email              string
	ImoID              string
	AgencyID           *string
	SubscriptionPlanID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// UserRepository manages user operations.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (User, error)
	GetByEmail(ctx context.Context, email string) (User, error)
	Create(ctx context.Context, user *User) error
	Delete(ctx context.Context, id string) error
	UpdateUserSubscriptionPlan(ctx context.Context, userID, planID string) error
}
