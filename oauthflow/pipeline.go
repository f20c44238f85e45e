package oauthflow

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/pkg/encryption"
	"github.com/agencykit/integrations/pkg/statesign"
)

// Grant is the output of a provider's code exchange. Providers that learn
// the account identity during the exchange itself (Slack, Instagram) stash
// it here so FetchProfile does not need a second network call for it.
type Grant struct {
	Token Token

	// AccountID carries an identifier learned during exchange that
	// FetchProfile needs (e.g. the Instagram user id used in the profile URL).
	AccountID string

	// Profile is non-nil when the exchange response already contained the
	// full identity; the pipeline then skips the FetchProfile call.
	Profile *Profile
}

// Provider supplies the provider-specific steps of the callback pipeline.
type Provider interface {
	// Name is the provider key used in routes, config and redirect params.
	Name() string

	// FallbackPath is the app page the browser lands on when the state
	// payload carries no return URL.
	FallbackPath() string

	// Exchange trades the authorization code for tokens.
	Exchange(ctx context.Context, creds config.ProviderCredentials, redirectURI, code string) (*Grant, *FlowError)

	// FetchProfile resolves the stable account identity and display
	// metadata for the grant.
	FetchProfile(ctx context.Context, creds config.ProviderCredentials, grant *Grant) (Profile, *FlowError)
}

// CallbackPipeline completes redirect-style OAuth callbacks. One instance
// serves all redirect providers; each invocation is a single linear pass
// with no shared mutable state.
type CallbackPipeline struct {
	Signer    *statesign.Signer
	Encryptor *encryption.Encryptor
	Repo      models.IntegrationRepository
	Config    *config.Service
	AppURL    string
	Logger    *log.Logger

	// Now is overridable for expiry tests; defaults to time.Now.
	Now func() time.Time
}

func (p *CallbackPipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}

	return time.Now()
}

// Handle runs the five-step callback for provider. Every exit path is a
// redirect; no error escapes past this handler.
func (p *CallbackPipeline) Handle(w http.ResponseWriter, r *http.Request, provider Provider) {
	ctx := r.Context()
	name := provider.Name()

	// Before the state is verified the only trustworthy destination is the
	// provider's fallback page.
	redirectTo := p.AppURL + provider.FallbackPath()

	q := r.URL.Query()
	code := q.Get("code")
	stateParam := q.Get("state")

	// Step 2: reject on provider-reported error before anything else. No
	// token exchange call may happen on this path.
	if provErr := q.Get("error"); provErr != "" {
		p.Logger.Printf("[%s-callback] provider error: %s (%s)", name, provErr, q.Get("error_description"))
		p.redirect(w, r, failureURL(redirectTo, name, provErr))

		return
	}

	if code == "" || stateParam == "" {
		p.Logger.Printf("[%s-callback] missing code or state", name)
		p.redirect(w, r, failureURL(redirectTo, name, ReasonMissingParams))

		return
	}

	// Step 3: verify the signed state, then its age.
	var state StatePayload
	if !p.Signer.ParseSignedState(stateParam, &state) {
		p.Logger.Printf("[%s-callback] invalid or tampered state", name)
		p.redirect(w, r, failureURL(redirectTo, name, ReasonInvalidState))

		return
	}

	if state.ExpiredAt(p.now(), RedirectStateTTL) {
		p.Logger.Printf("[%s-callback] state expired for user %s", name, state.UserID)
		p.redirect(w, r, failureURL(redirectTo, name, ReasonExpired))

		return
	}

	redirectTo = absoluteReturnURL(p.AppURL, state.ReturnURL, provider.FallbackPath())

	creds, err := p.Config.ProviderCredentials(ctx, state.ImoID, name)
	if err != nil || !creds.Resolved() {
		p.Logger.Printf("[%s-callback] credentials unresolved for imo %s: %v", name, state.ImoID, err)
		p.redirect(w, r, failureURL(redirectTo, name, ReasonConfig))

		return
	}

	// Step 4: exchange the code.
	redirectURI := p.AppURL + "/api/integrations/" + name + "/callback"

	grant, ferr := provider.Exchange(ctx, creds, redirectURI, code)
	if ferr != nil {
		p.Logger.Printf("[%s-callback] exchange failed: %v", name, ferr)
		p.redirect(w, r, failureURL(redirectTo, name, ferr.Reason))

		return
	}

	// Step 5: enrich with the account identity. Useless without one.
	profile := Profile{}
	if grant.Profile != nil {
		profile = *grant.Profile
	} else {
		profile, ferr = provider.FetchProfile(ctx, creds, grant)
		if ferr != nil {
			p.Logger.Printf("[%s-callback] profile fetch failed: %v", name, ferr)
			p.redirect(w, r, failureURL(redirectTo, name, ferr.Reason))

			return
		}
	}

	if profile.AccountID == "" {
		p.Logger.Printf("[%s-callback] no account id in profile", name)
		p.redirect(w, r, failureURL(redirectTo, name, ReasonMissingID))

		return
	}

	// Step 6: encrypt and upsert.
	if ferr := p.persist(ctx, name, state, grant.Token, profile); ferr != nil {
		p.Logger.Printf("[%s-callback] %v", name, ferr)
		p.redirect(w, r, failureURL(redirectTo, name, ferr.Reason))

		return
	}

	p.Logger.Printf("[%s-callback] integration saved for %s (user %s)", name, profile.label(), state.UserID)
	p.redirect(w, r, successURL(redirectTo, name, profile.label()))
}

// persist encrypts the tokens and upserts the integration row. A failure
// here is the most dangerous class in the subsystem: the user has already
// granted access upstream, so the log line is flagged for reconciliation.
func (p *CallbackPipeline) persist(ctx context.Context, provider string, state StatePayload, token Token, profile Profile) *FlowError {
	encAccess, err := p.Encryptor.Encrypt(token.AccessToken)
	if err != nil {
		return flowErr(ReasonSaveFailed, err)
	}

	encRefresh := ""
	if token.RefreshToken != "" {
		encRefresh, err = p.Encryptor.Encrypt(token.RefreshToken)
		if err != nil {
			return flowErr(ReasonSaveFailed, err)
		}
	}

	now := p.now().UTC()

	row := &models.Integration{
		ID:                uuid.New().String(),
		ImoID:             state.ImoID,
		AgencyID:          state.AgencyID,
		UserID:            state.UserID,
		Provider:          provider,
		ProviderAccountID: profile.AccountID,
		DisplayName:       profile.DisplayName,
		Handle:            profile.Handle,
		AvatarURL:         profile.AvatarURL,
		TeamID:            profile.TeamID,
		AccessToken:       encAccess,
		RefreshToken:      encRefresh,
		TokenExpiry:       token.Expiry,
		Scopes:            token.Scopes,
		ConnectionStatus:  models.StatusConnected,
		IsActive:          true,
		LastConnectedAt:   &now,
	}

	if err := p.Repo.Upsert(ctx, row); err != nil {
		// ORPHANED GRANT: tokens were issued upstream but no local record
		// exists. Flagged for manual reconciliation.
		return flowErrf(ReasonSaveFailed, "orphaned grant for %s account %s (imo %s, user %s): %w",
			provider, profile.AccountID, state.ImoID, state.UserID, err)
	}

	return nil
}

func (p *CallbackPipeline) redirect(w http.ResponseWriter, r *http.Request, to string) {
	http.Redirect(w, r, to, http.StatusTemporaryRedirect)
}

func (pr Profile) label() string {
	if pr.Handle != "" {
		return pr.Handle
	}

	return pr.DisplayName
}
