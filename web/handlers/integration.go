package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/oauthflow"
	"github.com/agencykit/integrations/web/auth"
)

// IntegrationHandler exposes the OAuth connect, callback and management
// endpoints for integration providers.
type IntegrationHandler struct {
	deps      Dependencies
	providers map[string]oauthflow.Provider
}

func NewIntegrationHandler(deps Dependencies) *IntegrationHandler {
	return &IntegrationHandler{
		deps: deps,
		providers: map[string]oauthflow.Provider{
			models.ProviderSlack:     oauthflow.NewSlack(),
			models.ProviderGmail:     oauthflow.NewGmail(),
			models.ProviderInstagram: oauthflow.NewInstagram(),
		},
	}
}

type connectRequest struct {
	ReturnURL   string `json:"returnUrl"`
	AccountType string `json:"accountType"`
}

// Connect handles POST /api/integrations/{provider}/connect. The response is
// either an authorization URL to redirect the browser to, or a structured
// reason the flow cannot start.
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUser(r.Context())
	if err != nil {
		renderJSON(w, http.StatusUnauthorized, models.APIError{Code: http.StatusUnauthorized, Message: "User not authenticated"})
		return
	}

	if user.ImoID == "" {
		renderJSON(w, http.StatusUnprocessableEntity, models.APIError{Code: http.StatusUnprocessableEntity, Message: "User has no workspace assignment"})
		return
	}

	provider := mux.Vars(r)["provider"]

	var req connectRequest
	if r.Body != nil {
		// Body is optional, connect works with defaults.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	result := h.deps.Initiator.Connect(r.Context(), provider, oauthflow.ConnectRequest{
		ImoID:       user.ImoID,
		UserID:      user.ID,
		AgencyID:    user.AgencyID,
		ReturnURL:   req.ReturnURL,
		AccountType: req.AccountType,
	})

	code := http.StatusOK
	if !result.OK && result.Error == "unknown provider" {
		code = http.StatusBadRequest
	}

	renderJSON(w, code, result)
}

// Callback handles GET /api/integrations/{provider}/callback. The request
// comes from the provider's authorization server via browser redirect, so it
// carries no bearer token; all trust lives in the signed state parameter.
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["provider"]

	provider, ok := h.providers[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	h.deps.Callback.Handle(w, r, provider)
}

// LinkedInWebhook handles POST /api/integrations/linkedin/webhook, the
// server-to-server notification from the hosted auth provider.
func (h *IntegrationHandler) LinkedInWebhook(w http.ResponseWriter, r *http.Request) {
	h.deps.AccountLink.Handle(w, r)
}

// List handles GET /api/integrations.
func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUser(r.Context())
	if err != nil {
		renderJSON(w, http.StatusUnauthorized, models.APIError{Code: http.StatusUnauthorized, Message: "User not authenticated"})
		return
	}

	integrations, err := h.deps.IntegrationRepo.ListByUser(r.Context(), user.ImoID, user.ID)
	if err != nil {
		h.deps.Logger.Printf("ERROR %s - user: %s - Failed to list integrations: %v", r.URL.Path, user.ID, err)
		renderJSON(w, http.StatusInternalServerError, models.APIError{Code: http.StatusInternalServerError, Message: "Failed to list integrations"})
		return
	}

	if integrations == nil {
		integrations = []models.Integration{}
	}

	renderJSON(w, http.StatusOK, map[string]any{"integrations": integrations})
}

// Disconnect handles DELETE /api/integrations/{id}. The row is deactivated,
// not deleted, so a later reconnect resolves back to the same record.
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUser(r.Context())
	if err != nil {
		renderJSON(w, http.StatusUnauthorized, models.APIError{Code: http.StatusUnauthorized, Message: "User not authenticated"})
		return
	}

	id := mux.Vars(r)["id"]

	integration, err := h.deps.IntegrationRepo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			renderJSON(w, http.StatusNotFound, models.APIError{Code: http.StatusNotFound, Message: "Integration not found"})
			return
		}
		h.deps.Logger.Printf("ERROR %s - user: %s - Failed to load integration %s: %v", r.URL.Path, user.ID, id, err)
		renderJSON(w, http.StatusInternalServerError, models.APIError{Code: http.StatusInternalServerError, Message: "Failed to load integration"})
		return
	}

	// Rows are workspace scoped, not owner scoped: any member of the IMO may
	// disconnect an account connected by a colleague.
	if integration.ImoID != user.ImoID {
		renderJSON(w, http.StatusNotFound, models.APIError{Code: http.StatusNotFound, Message: "Integration not found"})
		return
	}

	if err := h.deps.IntegrationRepo.Deactivate(r.Context(), id); err != nil {
		h.deps.Logger.Printf("ERROR %s - user: %s - Failed to disconnect integration %s: %v", r.URL.Path, user.ID, id, err)
		renderJSON(w, http.StatusInternalServerError, models.APIError{Code: http.StatusInternalServerError, Message: "Failed to disconnect integration"})
		return
	}

	renderJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
