package oauthflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agencykit/integrations/config"
)

// UnipileClient talks to the Unipile hosted-auth API. The base URL comes
// from the per-tenant DSN (something like "api8.unipile.com:13851"), so
// every call takes the resolved credentials rather than holding them.
type UnipileClient struct {
	Client *http.Client

	// BaseURL overrides DSN resolution. Tests only.
	BaseURL string
}

func NewUnipileClient() *UnipileClient {
	return &UnipileClient{Client: http.DefaultClient}
}

func (c *UnipileClient) baseURL(creds config.UnipileCredentials) string {
	if c.BaseURL != "" {
		return c.BaseURL
	}

	dsn := creds.DSN
	if !strings.HasPrefix(dsn, "http://") && !strings.HasPrefix(dsn, "https://") {
		dsn = "https://" + dsn
	}

	return strings.TrimSuffix(dsn, "/")
}

// HostedAuthParams configures a hosted-auth link request. Name carries the
// signed state token; Unipile echoes it back verbatim in the notify webhook,
// which is the only way request context survives the hosted flow.
type HostedAuthParams struct {
	Name            string
	AccountType     string
	NotifyURL       string
	SuccessRedirect string
	FailureRedirect string
}

type unipileHostedAuthRequest struct {
	Type           string   `json:"type"`
	Providers      []string `json:"providers"`
	API            string   `json:"api"`
	ExpiresOn      string   `json:"expiresOn"`
	Name           string   `json:"name"`
	NotifyURL      string   `json:"notify_url"`
	SuccessRedirect string  `json:"success_redirect_url,omitempty"`
	FailureRedirect string  `json:"failure_redirect_url,omitempty"`
}

type unipileHostedAuthResponse struct {
	Object string `json:"object"`
	URL    string `json:"url"`
}

// CreateHostedAuthLink requests a one-time hosted-auth URL for a LinkedIn
// connection. The link expires after an hour, matching the webhook state TTL.
func (c *UnipileClient) CreateHostedAuthLink(ctx context.Context, creds config.UnipileCredentials, params HostedAuthParams) (string, error) {
	accountType := params.AccountType
	if accountType == "" {
		accountType = "LINKEDIN"
	}

	body := unipileHostedAuthRequest{
		Type:            "create",
		Providers:       []string{accountType},
		API:             c.baseURL(creds),
		ExpiresOn:       time.Now().UTC().Add(WebhookStateTTL).Format(time.RFC3339),
		Name:            params.Name,
		NotifyURL:       params.NotifyURL,
		SuccessRedirect: params.SuccessRedirect,
		FailureRedirect: params.FailureRedirect,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(creds)+"/api/v1/hosted/accounts/link", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", creds.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return "", fmt.Errorf("unipile hosted auth link: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var out unipileHostedAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	if out.URL == "" {
		return "", fmt.Errorf("unipile hosted auth link: empty url in response")
	}

	return out.URL, nil
}

// UnipileAccount is the subset of GET /api/v1/accounts/{id} this service
// reads. Profile details live on the per-network source entries.
type UnipileAccount struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name"`
	Type    string                 `json:"type"`
	Status  string                 `json:"status"`
	Sources []UnipileAccountSource `json:"sources"`
}

type UnipileAccountSource struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	Headline    string `json:"headline"`
	ProfileURL  string `json:"profile_url"`
	PictureURL  string `json:"picture_url"`
}

// LinkedInSource picks the LinkedIn entry out of the account's sources.
func (a *UnipileAccount) LinkedInSource() *UnipileAccountSource {
	for i := range a.Sources {
		s := &a.Sources[i]
		if strings.Contains(strings.ToLower(s.ID), "linkedin") || strings.Contains(s.ProfileURL, "linkedin") {
			return s
		}
	}

	return nil
}

// GetAccount fetches account details after a webhook notification. Callers
// treat failure as non-fatal: the webhook payload alone is enough to record
// the connection.
func (c *UnipileClient) GetAccount(ctx context.Context, creds config.UnipileCredentials, accountID string) (*UnipileAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(creds)+"/api/v1/accounts/"+accountID, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-API-KEY", creds.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unipile get account: status %d", resp.StatusCode)
	}

	var account UnipileAccount
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, err
	}

	return &account, nil
}
