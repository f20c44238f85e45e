package oauthflow

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/pkg/statesign"
)

// Unipile connection statuses delivered in the webhook. CREDENTIALS means
// auth succeeded and the initial sync is still running, so it counts as
// connected.
const (
	UnipileStatusConnected   = "CONNECTED"
	UnipileStatusCredentials = "CREDENTIALS"
	UnipileStatusError       = "ERROR"
)

// AccountLinkCallback is the webhook body Unipile posts after a hosted-auth
// attempt. Name echoes back the signed state we embedded when creating the
// hosted link.
type AccountLinkCallback struct {
	AccountID           string `json:"account_id"`
	Type                string `json:"type"`
	Status              string `json:"status"`
	Name                string `json:"name"`
	ProviderAccountID   string `json:"provider_account_id"`
	ProviderAccountName string `json:"provider_account_name"`
}

// AccountLinkResponse is the JSON acknowledgement returned to Unipile.
type AccountLinkResponse struct {
	OK            bool   `json:"ok"`
	IntegrationID string `json:"integrationId,omitempty"`
	Status        string `json:"status,omitempty"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// AccountLinkPipeline handles the webhook-style Unipile flow. It shares the
// state verification and persistence steps with CallbackPipeline but answers
// with JSON instead of redirects: the caller is Unipile's server, not the
// user's browser.
type AccountLinkPipeline struct {
	Signer  *statesign.Signer
	Repo    models.IntegrationRepository
	Config  *config.Service
	Unipile *UnipileClient
	Logger  *log.Logger

	Now func() time.Time
}

func (p *AccountLinkPipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}

	return time.Now()
}

// Handle processes one webhook delivery. Duplicate deliveries for an
// already-connected account are acknowledged without rewriting the row.
func (p *AccountLinkPipeline) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var callback AccountLinkCallback
	if err := json.NewDecoder(r.Body).Decode(&callback); err != nil {
		p.Logger.Printf("[linkedin-webhook] invalid body: %v", err)
		p.respond(w, http.StatusBadRequest, AccountLinkResponse{Error: ReasonMissingParams})

		return
	}

	if callback.AccountID == "" || callback.Name == "" {
		p.Logger.Printf("[linkedin-webhook] missing account_id or state")
		p.respond(w, http.StatusBadRequest, AccountLinkResponse{Error: ReasonMissingParams})

		return
	}

	var state StatePayload
	if !p.Signer.ParseSignedState(callback.Name, &state) {
		p.Logger.Printf("[linkedin-webhook] invalid or tampered state")
		p.respond(w, http.StatusBadRequest, AccountLinkResponse{Error: ReasonInvalidState})

		return
	}

	// Hosted auth can sit on the consent screen for a while, hence the
	// longer TTL than redirect callbacks.
	if state.ExpiredAt(p.now(), WebhookStateTTL) {
		p.Logger.Printf("[linkedin-webhook] state expired for user %s", state.UserID)
		p.respond(w, http.StatusBadRequest, AccountLinkResponse{Error: ReasonExpired})

		return
	}

	p.Logger.Printf("[linkedin-webhook] processing account %s for user %s, status %s",
		callback.AccountID, state.UserID, callback.Status)

	// Idempotency: Unipile retries deliveries. An already-connected row for
	// this account means a previous delivery won.
	existing, err := p.Repo.GetByKey(ctx, models.IntegrationKey{
		ImoID:             state.ImoID,
		Provider:          models.ProviderLinkedIn,
		ProviderAccountID: callback.AccountID,
		AgencyID:          state.AgencyID,
	})
	if err == nil && existing.ConnectionStatus == models.StatusConnected {
		p.Logger.Printf("[linkedin-webhook] account %s already connected as %s, skipping duplicate",
			callback.AccountID, existing.ID)
		p.respond(w, http.StatusOK, AccountLinkResponse{
			OK:            true,
			IntegrationID: existing.ID,
			Status:        string(existing.ConnectionStatus),
			Message:       "already processed",
		})

		return
	}

	if callback.Status == UnipileStatusError {
		p.Logger.Printf("[linkedin-webhook] unipile reported connection error for account %s", callback.AccountID)
		p.respond(w, http.StatusBadRequest, AccountLinkResponse{Error: ReasonTokenExchange})

		return
	}

	// Account details are display metadata only; a fetch failure must not
	// lose the connection.
	profile := p.fetchProfile(ctx, state.ImoID, callback)

	now := p.now().UTC()

	row := &models.Integration{
		ID:                uuid.New().String(),
		ImoID:             state.ImoID,
		AgencyID:          state.AgencyID,
		UserID:            state.UserID,
		Provider:          models.ProviderLinkedIn,
		ProviderAccountID: callback.AccountID,
		DisplayName:       profile.DisplayName,
		Handle:            profile.Handle,
		AvatarURL:         profile.AvatarURL,
		ConnectionStatus:  models.StatusConnected,
		IsActive:          true,
		LastConnectedAt:   &now,
	}

	if callback.Status == UnipileStatusCredentials {
		row.ConnectionStatus = models.StatusCredentials
	}

	if err := p.Repo.Upsert(ctx, row); err != nil {
		p.Logger.Printf("[linkedin-webhook] orphaned link for account %s (imo %s, user %s): %v",
			callback.AccountID, state.ImoID, state.UserID, err)
		p.respond(w, http.StatusInternalServerError, AccountLinkResponse{Error: ReasonSaveFailed})

		return
	}

	p.Logger.Printf("[linkedin-webhook] integration saved: %s", row.ID)
	p.respond(w, http.StatusOK, AccountLinkResponse{
		OK:            true,
		IntegrationID: row.ID,
		Status:        string(row.ConnectionStatus),
	})
}

// fetchProfile pulls display metadata from the Unipile account, falling back
// to whatever the webhook body carried.
func (p *AccountLinkPipeline) fetchProfile(ctx context.Context, imoID string, callback AccountLinkCallback) Profile {
	profile := Profile{
		DisplayName: callback.ProviderAccountName,
		Handle:      callback.ProviderAccountID,
	}

	creds, err := p.Config.UnipileCredentials(ctx, imoID)
	if err != nil || !creds.Resolved() {
		p.Logger.Printf("[linkedin-webhook] unipile credentials unresolved for imo %s, skipping detail fetch", imoID)

		return profile
	}

	account, err := p.Unipile.GetAccount(ctx, creds, callback.AccountID)
	if err != nil {
		p.Logger.Printf("[linkedin-webhook] could not fetch account details: %v", err)

		return profile
	}

	if source := account.LinkedInSource(); source != nil {
		if source.DisplayName != "" {
			profile.DisplayName = source.DisplayName
		}

		if source.Username != "" {
			profile.Handle = source.Username
		} else if source.Identifier != "" {
			profile.Handle = source.Identifier
		}

		profile.AvatarURL = source.PictureURL
	}

	if profile.DisplayName == "" {
		profile.DisplayName = account.Name
	}

	return profile
}

func (p *AccountLinkPipeline) respond(w http.ResponseWriter, status int, body AccountLinkResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		p.Logger.Printf("[linkedin-webhook] write response: %v", err)
	}
}
