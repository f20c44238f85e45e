package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agencykit/integrations/config"
)

const (
	defaultInstagramTokenURL = "https://api.instagram.com/oauth/access_token"
	defaultInstagramGraphURL = "https://graph.instagram.com"

	// Fallback lifetimes when the provider omits expires_in.
	shortLivedTokenLifetime = time.Hour
	longLivedTokenLifetime  = 60 * 24 * time.Hour
)

// Instagram implements Provider for Instagram Business account connections.
//
// The initial token from the code exchange is short-lived (about an hour)
// and must be traded for a long-lived one (about 60 days) via
// ig_exchange_token. When that second exchange fails the short-lived token
// is kept with its one-hour expiry rather than failing the whole flow; the
// background refresher then gets one chance to recover before it lapses.
type Instagram struct {
	TokenURL string
	GraphURL string
	Client   *http.Client

	now func() time.Time
}

func NewInstagram() *Instagram {
	return &Instagram{
		TokenURL: defaultInstagramTokenURL,
		GraphURL: defaultInstagramGraphURL,
		Client:   http.DefaultClient,
		now:      time.Now,
	}
}

func (ig *Instagram) Name() string         { return "instagram" }
func (ig *Instagram) FallbackPath() string { return "/messages" }

type igTokenResponse struct {
	AccessToken  string          `json:"access_token"`
	UserID       json.Number     `json:"user_id"`
	ExpiresIn    int64           `json:"expires_in"`
	ErrorMessage string          `json:"error_message"`
	Error        *igGraphError   `json:"error"`
	Permissions  json.RawMessage `json:"permissions"`
}

type igGraphError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// Exchange performs the two-step Instagram token dance.
func (ig *Instagram) Exchange(ctx context.Context, creds config.ProviderCredentials, redirectURI, code string) (*Grant, *FlowError) {
	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	form.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ig.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ig.Client.Do(req)
	if err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}
	defer resp.Body.Close()

	var short igTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&short); err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}

	if short.ErrorMessage != "" || short.AccessToken == "" {
		return nil, flowErrf(ReasonTokenExchange, "instagram access_token: %s", short.ErrorMessage)
	}

	token, expiry := ig.exchangeLongLived(ctx, creds, short)

	return &Grant{
		Token: Token{
			AccessToken: token,
			// Long-lived tokens renew themselves: the access token doubles
			// as the refresh credential for ig_refresh_token.
			RefreshToken: token,
			Expiry:       &expiry,
			Scopes:       instagramScopes,
		},
		AccountID: short.UserID.String(),
	}, nil
}

// exchangeLongLived trades the short-lived token for a long-lived one,
// falling back to the short-lived token with its one-hour expiry on failure.
func (ig *Instagram) exchangeLongLived(ctx context.Context, creds config.ProviderCredentials, short igTokenResponse) (string, time.Time) {
	shortExpiry := ig.now().Add(shortLivedTokenLifetime)
	if short.ExpiresIn > 0 {
		shortExpiry = ig.now().Add(time.Duration(short.ExpiresIn) * time.Second)
	}

	u := fmt.Sprintf("%s/access_token?grant_type=ig_exchange_token&client_secret=%s&access_token=%s",
		ig.GraphURL, url.QueryEscape(creds.ClientSecret), url.QueryEscape(short.AccessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return short.AccessToken, shortExpiry
	}

	resp, err := ig.Client.Do(req)
	if err != nil {
		return short.AccessToken, shortExpiry
	}
	defer resp.Body.Close()

	var long igTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&long); err != nil {
		return short.AccessToken, shortExpiry
	}

	if long.Error != nil || long.AccessToken == "" {
		return short.AccessToken, shortExpiry
	}

	lifetime := longLivedTokenLifetime
	if long.ExpiresIn > 0 {
		lifetime = time.Duration(long.ExpiresIn) * time.Second
	}

	return long.AccessToken, ig.now().Add(lifetime)
}

type igProfileResponse struct {
	ID          string        `json:"id"`
	Username    string        `json:"username"`
	Name        string        `json:"name"`
	AccountType string        `json:"account_type"`
	Error       *igGraphError `json:"error"`
}

// FetchProfile resolves the Instagram Business account. The graph API has no
// /me for Instagram; the user id from the token response goes in the path,
// and the returned id (the IGSID) is the one stored, since it is what webhook
// deliveries and conversation participants are keyed on.
func (ig *Instagram) FetchProfile(ctx context.Context, creds config.ProviderCredentials, grant *Grant) (Profile, *FlowError) {
	u := fmt.Sprintf("%s/v21.0/%s?access_token=%s&fields=id,username,name,account_type",
		ig.GraphURL, url.PathEscape(grant.AccountID), url.QueryEscape(grant.Token.AccessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Profile{}, flowErr(ReasonProfileFetch, err)
	}

	resp, err := ig.Client.Do(req)
	if err != nil {
		return Profile{}, flowErr(ReasonProfileFetch, err)
	}
	defer resp.Body.Close()

	var profile igProfileResponse
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return Profile{}, flowErr(ReasonProfileFetch, err)
	}

	if profile.Username == "" {
		msg := "no username in profile response"
		if profile.Error != nil {
			msg = profile.Error.Message
		}

		return Profile{}, flowErrf(ReasonProfileFetch, "instagram profile: %s", msg)
	}

	if profile.ID == "" {
		return Profile{}, flowErrf(ReasonMissingID, "instagram profile has no id")
	}

	return Profile{
		AccountID:   profile.ID,
		DisplayName: profile.Name,
		Handle:      profile.Username,
	}, nil
}

// RefreshAccessToken extends a long-lived token via ig_refresh_token. Used
// by the background refresher.
func (ig *Instagram) RefreshAccessToken(ctx context.Context, accessToken string) (Token, error) {
	u := fmt.Sprintf("%s/refresh_access_token?grant_type=ig_refresh_token&access_token=%s",
		ig.GraphURL, url.QueryEscape(accessToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Token{}, err
	}

	resp, err := ig.Client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	var body igTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Token{}, err
	}

	if body.Error != nil || body.AccessToken == "" {
		msg := "no access token in refresh response"
		if body.Error != nil {
			msg = body.Error.Message
		}

		return Token{}, fmt.Errorf("instagram refresh: %s", msg)
	}

	lifetime := longLivedTokenLifetime
	if body.ExpiresIn > 0 {
		lifetime = time.Duration(body.ExpiresIn) * time.Second
	}

	expiry := ig.now().Add(lifetime)

	return Token{AccessToken: body.AccessToken, RefreshToken: body.AccessToken, Expiry: &expiry, Scopes: instagramScopes}, nil
}
