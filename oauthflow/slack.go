package oauthflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/agencykit/integrations/config"
)

const defaultSlackAPIURL = "https://slack.com/api"

// Slack implements Provider for Slack workspace connections. The oauth.v2
// exchange response already carries the workspace and bot identity, so no
// separate profile call is needed.
type Slack struct {
	APIURL string
	Client *http.Client
}

func NewSlack() *Slack {
	return &Slack{APIURL: defaultSlackAPIURL, Client: http.DefaultClient}
}

func (s *Slack) Name() string         { return "slack" }
func (s *Slack) FallbackPath() string { return "/settings/integrations" }

type slackOAuthResponse struct {
	OK          bool   `json:"ok"`
	Error       string `json:"error"`
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	BotUserID   string `json:"bot_user_id"`
	Team        struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID string `json:"id"`
	} `json:"authed_user"`
}

// Exchange posts the code to oauth.v2.access. Slack bot tokens do not
// expire, so the grant carries no refresh token or expiry.
func (s *Slack) Exchange(ctx context.Context, creds config.ProviderCredentials, redirectURI, code string) (*Grant, *FlowError) {
	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIURL+"/oauth.v2.access", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}
	defer resp.Body.Close()

	var body slackOAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, flowErr(ReasonTokenExchange, err)
	}

	if !body.OK || body.AccessToken == "" {
		return nil, flowErrf(ReasonTokenExchange, "slack oauth.v2.access: %s", body.Error)
	}

	if body.Team.ID == "" {
		return nil, flowErrf(ReasonMissingID, "slack oauth.v2.access returned no team id")
	}

	return &Grant{
		Token: Token{
			AccessToken: body.AccessToken,
			Scopes:      splitScopes(body.Scope),
		},
		Profile: &Profile{
			AccountID:   body.Team.ID,
			DisplayName: body.Team.Name,
			TeamID:      body.Team.ID,
			TeamName:    body.Team.Name,
		},
	}, nil
}

// FetchProfile is never reached for Slack; the exchange response carries the
// identity.
func (s *Slack) FetchProfile(ctx context.Context, creds config.ProviderCredentials, grant *Grant) (Profile, *FlowError) {
	if grant.Profile == nil {
		return Profile{}, flowErrf(ReasonProfileFetch, "slack grant missing identity")
	}

	return *grant.Profile, nil
}

func splitScopes(scope string) []string {
	if scope == "" {
		return nil
	}

	return strings.Split(scope, ",")
}
