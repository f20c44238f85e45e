package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/clerkinc/clerk-sdk-go/clerk"

	"github.com/agencykit/integrations/models"
)

// AuthMiddleware handles Clerk authentication and adds user info to the request context
type AuthMiddleware struct {
	client   clerk.Client
	userRepo models.UserRepository
}

// ContextKey is used to store user information in the request context
type ContextKey string

const (
	// UserIDKey is the context key for storing the user ID
	UserIDKey ContextKey = "user_id"
	// UserKey is the context key for storing the resolved user record
	UserKey ContextKey = "user"
	// AuthHeaderName is the name of the authentication header
	AuthHeaderName = "Authorization"
)

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(clerkAPIKey string, userRepo models.UserRepository) (*AuthMiddleware, error) {
	client, err := clerk.NewClient(clerkAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create Clerk client: %w", err)
	}

	return &AuthMiddleware{
		client:   client,
		userRepo: userRepo,
	}, nil
}

// userMetadata is the shape of the Clerk public metadata our onboarding
// flow writes when a user joins a workspace.
type userMetadata struct {
	ImoID    string  `json:"imo_id"`
	AgencyID *string `json:"agency_id"`
}

// Authenticate is the middleware function for authentication
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(AuthHeaderName)
		if authHeader == "" {
			http.Error(w, "Unauthorized: missing authorization header", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "Unauthorized: invalid authorization format", http.StatusUnauthorized)
			return
		}
		token := parts[1]

		claims, err := m.client.VerifyToken(token)
		if err != nil {
			http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
			return
		}

		userID := claims.Subject
		if userID == "" {
			http.Error(w, "Unauthorized: invalid user claims", http.StatusUnauthorized)
			return
		}

		// Check if user exists in our database
		user, err := m.userRepo.GetByID(r.Context(), userID)
		if err != nil {
			if !errors.Is(err, models.ErrNotFound) {
				http.Error(w, "Failed to retrieve user record", http.StatusInternalServerError)
				return
			}

			user, err = m.provisionUser(r.Context(), userID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, UserKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// provisionUser creates a local user record from the Clerk profile on first
// authenticated request.
func (m *AuthMiddleware) provisionUser(ctx context.Context, userID string) (models.User, error) {
	clerkUser, err := m.client.Users().Read(userID)
	if err != nil {
		return models.User{}, errors.New("failed to retrieve user information")
	}

	var email string
	if clerkUser.PrimaryEmailAddressID != nil {
		primaryID := *clerkUser.PrimaryEmailAddressID
		for _, emailAddr := range clerkUser.EmailAddresses {
			if emailAddr.ID == primaryID {
				email = emailAddr.EmailAddress
				break
			}
		}
	} else if len(clerkUser.EmailAddresses) > 0 {
		email = clerkUser.EmailAddresses[0].EmailAddress
	}

	if email == "" {
		return models.User{}, errors.New("user has no email address")
	}

	// Workspace assignment lives in Clerk public metadata.
	var meta userMetadata
	if raw, err := json.Marshal(clerkUser.PublicMetadata); err == nil {
		_ = json.Unmarshal(raw, &meta)
	}

	user := models.User{
		ID:       userID,
		Email:    email,
		ImoID:    meta.ImoID,
		AgencyID: meta.AgencyID,
	}
	if err := m.userRepo.Create(ctx, &user); err != nil {
		return models.User{}, errors.New("failed to create user record")
	}

	return user, nil
}

// GetUserID extracts the user ID from the request context
func GetUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(UserIDKey).(string)
	if !ok {
		return "", errors.New("user not authenticated")
	}
	return userID, nil
}

// GetUser extracts the resolved user record from the request context
func GetUser(ctx context.Context) (models.User, error) {
	user, ok := ctx.Value(UserKey).(models.User)
	if !ok {
		return models.User{}, errors.New("user not authenticated")
	}
	return user, nil
}
