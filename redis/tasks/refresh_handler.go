package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/oauthflow"
)

// CreateTokenRefreshTask creates a new token refresh sweep task
func CreateTokenRefreshTask(payload *TokenRefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token refresh payload: %w", err)
	}
	return asynq.NewTask(TypeTokenRefresh, data), nil
}

// processTokenRefreshTask renews access tokens that expire within the
// refresh window. Failures are recorded per row so a single revoked grant
// does not fail the whole sweep.
func (h *Handler) processTokenRefreshTask(ctx context.Context, task *asynq.Task) error {
	var payload TokenRefreshPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("failed to unmarshal token refresh payload: %w", err)
		}
	}

	window := h.refreshWindow
	if payload.Window > 0 {
		window = time.Duration(payload.Window) * time.Minute
	}

	expiring, err := h.repo.ListExpiring(ctx, window)
	if err != nil {
		return fmt.Errorf("failed to list expiring integrations: %w", err)
	}

	var failed int
	for _, integration := range expiring {
		if err := h.refreshOne(ctx, &integration); err != nil {
			failed++
			h.logger.Printf("token refresh failed for integration %s (%s): %v",
				integration.ID, integration.Provider, err)

			if markErr := h.repo.MarkError(ctx, integration.ID, err.Error()); markErr != nil {
				h.logger.Printf("failed to record refresh error for %s: %v", integration.ID, markErr)
			}
		}
	}

	h.logger.Printf("token refresh sweep: %d due, %d failed", len(expiring), failed)

	if failed > 0 && failed == len(expiring) {
		return fmt.Errorf("all %d token refreshes failed", failed)
	}

	return nil
}

func (h *Handler) refreshOne(ctx context.Context, integration *models.Integration) error {
	refreshToken, err := h.encryptor.Decrypt(integration.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	var token oauthflow.Token

	switch integration.Provider {
	case models.ProviderGmail:
		creds, err := h.cfg.ProviderCredentials(ctx, integration.ImoID, integration.Provider)
		if err != nil {
			return fmt.Errorf("failed to resolve credentials: %w", err)
		}
		if !creds.Resolved() {
			return fmt.Errorf("no credentials configured for imo %s", integration.ImoID)
		}

		token, err = h.gmail.RefreshAccessToken(ctx, creds, refreshToken)
		if err != nil {
			return err
		}
	case models.ProviderInstagram:
		// Instagram long-lived tokens renew themselves, the stored refresh
		// token is the access token itself.
		token, err = h.instagram.RefreshAccessToken(ctx, refreshToken)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("provider %s does not support token refresh", integration.Provider)
	}

	encryptedAccess, err := h.encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	// Keep the stored refresh token when the renewal response omits one.
	encryptedRefresh := integration.RefreshToken
	if token.RefreshToken != "" {
		encryptedRefresh, err = h.encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}

	return h.repo.UpdateTokens(ctx, integration.ID, encryptedAccess, encryptedRefresh, token.Expiry)
}
