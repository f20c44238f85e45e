package oauthflow

import (
	"context"
	"log"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/agencykit/integrations/access"
	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/pkg/statesign"
)

// Provider authorization endpoints and scopes.
const (
	slackAuthURL     = "https://slack.com/oauth/v2/authorize"
	instagramAuthURL = "https://www.instagram.com/oauth/authorize"
)

var (
	slackScopes = []string{"chat:write", "channels:read", "users:read", "team:read"}

	gmailScopes = []string{
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/userinfo.email",
	}

	instagramScopes = []string{
		"instagram_business_basic",
		"instagram_business_manage_messages",
		"instagram_business_manage_comments",
		"instagram_business_content_publish",
	}
)

// SubscriptionLookup resolves the subscription state the access gate needs.
type SubscriptionLookup interface {
	SubscriptionState(ctx context.Context, userID string) (access.SubscriptionState, error)
}

// ConnectRequest is the initiator input contract.
type ConnectRequest struct {
	ImoID       string  `json:"imoId"`
	UserID      string  `json:"userId"`
	AgencyID    *string `json:"agencyId,omitempty"`
	ReturnURL   string  `json:"returnUrl,omitempty"`
	AccountType string  `json:"accountType,omitempty"` // LinkedIn only
}

// Initiator builds provider authorization URLs with an embedded signed
// state. It persists nothing.
type Initiator struct {
	Signer  *statesign.Signer
	Config  *config.Service
	Gate    *access.Gate
	Subs    SubscriptionLookup
	Repo    models.IntegrationRepository
	Unipile *UnipileClient
	AppURL  string
	Logger  *log.Logger
}

// Connect produces the authorization URL for provider, or a structured
// reason the flow cannot start. Unresolvable credentials and denied access
// are routine conditions, not errors.
func (i *Initiator) Connect(ctx context.Context, provider string, req ConnectRequest) models.ConnectResult {
	sub, err := i.Subs.SubscriptionState(ctx, req.UserID)
	if err != nil {
		i.Logger.Printf("[%s-init] subscription lookup failed for user %s: %v", provider, req.UserID, err)

		return models.ConnectResult{Error: "failed to resolve subscription"}
	}

	if decision := i.Gate.Decide(access.Feature(provider), sub); !decision.Allowed() {
		return models.ConnectResult{Error: "upgrade required", UpgradeRequired: true}
	}

	state := NewStatePayload(req.ImoID, req.UserID, req.AgencyID, req.ReturnURL)

	switch provider {
	case models.ProviderSlack:
		return i.connectSlack(ctx, state)
	case models.ProviderGmail:
		return i.connectGmail(ctx, state)
	case models.ProviderInstagram:
		return i.connectInstagram(ctx, state)
	case models.ProviderLinkedIn:
		state.AccountType = req.AccountType

		return i.connectLinkedIn(ctx, state)
	default:
		return models.ConnectResult{Error: "unknown provider"}
	}
}

func (i *Initiator) connectSlack(ctx context.Context, state StatePayload) models.ConnectResult {
	creds, result := i.resolveCreds(ctx, state.ImoID, models.ProviderSlack)
	if result != nil {
		return *result
	}

	signed, err := i.Signer.CreateSignedState(state)
	if err != nil {
		return models.ConnectResult{Error: "failed to sign state"}
	}

	v := url.Values{}
	v.Set("client_id", creds.ClientID)
	v.Set("scope", strings.Join(slackScopes, ","))
	v.Set("redirect_uri", i.callbackURL(models.ProviderSlack))
	v.Set("state", signed)

	return models.ConnectResult{OK: true, URL: slackAuthURL + "?" + v.Encode()}
}

func (i *Initiator) connectGmail(ctx context.Context, state StatePayload) models.ConnectResult {
	creds, result := i.resolveCreds(ctx, state.ImoID, models.ProviderGmail)
	if result != nil {
		return *result
	}

	signed, err := i.Signer.CreateSignedState(state)
	if err != nil {
		return models.ConnectResult{Error: "failed to sign state"}
	}

	cfg := oauth2.Config{
		ClientID:    creds.ClientID,
		RedirectURL: i.callbackURL(models.ProviderGmail),
		Scopes:      gmailScopes,
		Endpoint:    google.Endpoint,
	}

	// AccessTypeOffline with forced approval is required so Google issues a
	// refresh token; without it long-lived access is impossible and the
	// callback fails with no_refresh_token.
	authURL := cfg.AuthCodeURL(signed, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

	return models.ConnectResult{OK: true, URL: authURL}
}

func (i *Initiator) connectInstagram(ctx context.Context, state StatePayload) models.ConnectResult {
	creds, result := i.resolveCreds(ctx, state.ImoID, models.ProviderInstagram)
	if result != nil {
		return *result
	}

	signed, err := i.Signer.CreateSignedState(state)
	if err != nil {
		return models.ConnectResult{Error: "failed to sign state"}
	}

	v := url.Values{}
	v.Set("client_id", creds.ClientID)
	v.Set("redirect_uri", i.callbackURL(models.ProviderInstagram))
	v.Set("response_type", "code")
	v.Set("scope", strings.Join(instagramScopes, ","))
	v.Set("state", signed)

	return models.ConnectResult{OK: true, URL: instagramAuthURL + "?" + v.Encode()}
}

// connectLinkedIn goes through Unipile hosted auth: the signed state travels
// in the hosted link's "name" field and comes back on the webhook, not on a
// browser redirect.
func (i *Initiator) connectLinkedIn(ctx context.Context, state StatePayload) models.ConnectResult {
	creds, err := i.Config.UnipileCredentials(ctx, state.ImoID)
	if err != nil {
		i.Logger.Printf("[linkedin-init] credentials lookup failed for imo %s: %v", state.ImoID, err)

		return models.ConnectResult{Error: "failed to resolve credentials"}
	}

	if !creds.Resolved() {
		return models.ConnectResult{Error: "integration not configured", NeedsConfiguration: true}
	}

	maxAccounts, err := i.Config.GetInt(ctx, "integrations.unipile.max_accounts", 0)
	if err == nil && maxAccounts > 0 {
		active, err := i.Repo.CountActive(ctx, state.ImoID, models.ProviderLinkedIn)
		if err != nil {
			i.Logger.Printf("[linkedin-init] account count failed for imo %s: %v", state.ImoID, err)

			return models.ConnectResult{Error: "failed to check account limit"}
		}

		if active >= maxAccounts {
			return models.ConnectResult{Error: "account limit reached", LimitReached: true}
		}
	}

	signed, err := i.Signer.CreateSignedState(state)
	if err != nil {
		return models.ConnectResult{Error: "failed to sign state"}
	}

	returnTo := absoluteReturnURL(i.AppURL, state.ReturnURL, "/messages")

	link, err := i.Unipile.CreateHostedAuthLink(ctx, creds, HostedAuthParams{
		Name:            signed,
		AccountType:     state.AccountType,
		NotifyURL:       i.AppURL + "/api/integrations/linkedin/webhook",
		SuccessRedirect: successURL(returnTo, models.ProviderLinkedIn, "pending"),
		FailureRedirect: failureURL(returnTo, models.ProviderLinkedIn, ReasonTokenExchange),
	})
	if err != nil {
		i.Logger.Printf("[linkedin-init] hosted link creation failed: %v", err)

		return models.ConnectResult{Error: "failed to generate OAuth URL"}
	}

	return models.ConnectResult{OK: true, URL: link}
}

// resolveCreds returns the provider credentials, or a terminal ConnectResult
// when they are missing or the lookup failed.
func (i *Initiator) resolveCreds(ctx context.Context, imoID, provider string) (config.ProviderCredentials, *models.ConnectResult) {
	creds, err := i.Config.ProviderCredentials(ctx, imoID, provider)
	if err != nil {
		i.Logger.Printf("[%s-init] credentials lookup failed for imo %s: %v", provider, imoID, err)

		return creds, &models.ConnectResult{Error: "failed to resolve credentials"}
	}

	if !creds.Resolved() {
		return creds, &models.ConnectResult{Error: "integration not configured", NeedsConfiguration: true}
	}

	return creds, nil
}

func (i *Initiator) callbackURL(provider string) string {
	return i.AppURL + "/api/integrations/" + provider + "/callback"
}
