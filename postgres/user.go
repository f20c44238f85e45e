package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agencykit/integrations/models"
)

// userRepository implements models.UserRepository
type userRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) models.UserRepository {
	return &userRepository{db: db}
}

const userColumns = `id, email, imo_id, agency_id, COALESCE(subscription_plan_id, 'free'), created_at, updated_at`

func scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Email, &user.ImoID, &user.AgencyID,
		&user.SubscriptionPlanID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, models.ErrNotFound
		}
		return models.User{}, err
	}

	return user, nil
}

// GetByID retrieves a user by ID
func (repo *userRepository) GetByID(ctx context.Context, id string) (models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return scanUser(repo.db.QueryRowContext(ctx, q, id))
}

// GetByEmail retrieves a user by email
func (repo *userRepository) GetByEmail(ctx context.Context, email string) (models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	return scanUser(repo.db.QueryRowContext(ctx, q, email))
}

// Create inserts a new user
func (repo *userRepository) Create(ctx context.Context, user *models.User) error {
	const q = `INSERT INTO users (id, email, imo_id, agency_id, subscription_plan_id, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7)`

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	if user.SubscriptionPlanID == "" {
		user.SubscriptionPlanID = "free"
	}

	_, err := repo.db.ExecContext(ctx, q, user.ID, user.Email, user.ImoID, user.AgencyID,
		user.SubscriptionPlanID, user.CreatedAt, user.UpdatedAt)
	return err
}

// Delete removes a user
func (repo *userRepository) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM users WHERE id = $1`
	_, err := repo.db.ExecContext(ctx, q, id)
	return err
}

// UpdateUserSubscriptionPlan updates a user's subscription plan ID
func (repo *userRepository) UpdateUserSubscriptionPlan(ctx context.Context, userID, planID string) error {
	const q = `UPDATE users SET subscription_plan_id = $1, updated_at = $2 WHERE id = $3`

	_, err := repo.db.ExecContext(ctx, q, planID, time.Now().UTC(), userID)
	return err
}
