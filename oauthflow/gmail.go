package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/agencykit/integrations/config"
)

const defaultGoogleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Gmail implements Provider for Gmail mailbox connections.
type Gmail struct {
	UserInfoURL string
	Client      *http.Client

	// Endpoint is overridable so tests can point the oauth2 exchange at a
	// local server.
	Endpoint oauth2.Endpoint
}

func NewGmail() *Gmail {
	return &Gmail{
		UserInfoURL: defaultGoogleUserInfoURL,
		Client:      http.DefaultClient,
		Endpoint:    google.Endpoint,
	}
}

func (g *Gmail) Name() string         { return "gmail" }
func (g *Gmail) FallbackPath() string { return "/settings/integrations" }

// Exchange trades the code through the standard oauth2 flow. Google only
// issues a refresh token on the first consent (or with forced approval); a
// response without one cannot sustain long-lived mailbox access, so it is
// the distinct no_refresh_token failure rather than a silent degradation.
func (g *Gmail) Exchange(ctx context.Context, creds config.ProviderCredentials, redirectURI, code string) (*Grant, *FlowError) {
	cfg := oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       gmailScopes,
		Endpoint:     g.Endpoint,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.Client)

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}

	if tok.RefreshToken == "" {
		return nil, flowErrf(ReasonNoRefreshToken, "google token response omitted refresh_token")
	}

	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiry = &e
	}

	return &Grant{
		Token: Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       expiry,
			Scopes:       gmailScopes,
		},
	}, nil
}

type googleUserInfo struct {
	Sub     string `json:"sub"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// FetchProfile resolves the Google account identity from the OpenID
// userinfo endpoint. The mailbox address doubles as the handle.
func (g *Gmail) FetchProfile(ctx context.Context, creds config.ProviderCredentials, grant *Grant) (Profile, *FlowError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.UserInfoURL, nil)
	if err != nil {
		return Profile{}, flowErr(ReasonProfileFetch, err)
	}

	req.Header.Set("Authorization", "Bearer "+grant.Token.AccessToken)

	resp, err := g.Client.Do(req)
	if err != nil {
		return Profile{}, flowErr(ReasonProfileFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, flowErrf(ReasonProfileFetch, "userinfo returned %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return Profile{}, flowErr(ReasonProfileFetch, err)
	}

	if info.Sub == "" || info.Email == "" {
		return Profile{}, flowErrf(ReasonProfileFetch, "userinfo response missing identity: %+v", info)
	}

	return Profile{
		AccountID:   info.Sub,
		DisplayName: info.Name,
		Handle:      info.Email,
		AvatarURL:   info.Picture,
	}, nil
}

// RefreshAccessToken renews an access token with the refresh grant. Used by
// the background refresher, not the callback pipeline.
func (g *Gmail) RefreshAccessToken(ctx context.Context, creds config.ProviderCredentials, refreshToken string) (Token, error) {
	cfg := oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		Endpoint:     g.Endpoint,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.Client)

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh grant: %w", err)
	}

	refreshed := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if refreshed.RefreshToken == "" {
		// Google often omits the refresh token on renewal; the stored one
		// stays valid.
		refreshed.RefreshToken = refreshToken
	}

	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		refreshed.Expiry = &e
	}

	return refreshed, nil
}
