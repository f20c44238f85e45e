package oauthflow

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/agencykit/integrations/access"
	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
)

type fakeSubs struct {
	state access.SubscriptionState
	err   error
}

func (f fakeSubs) SubscriptionState(ctx context.Context, userID string) (access.SubscriptionState, error) {
	return f.state, f.err
}

func allProvidersPlan() access.SubscriptionState {
	return access.SubscriptionState{
		PlanID:   "pro",
		Features: []string{"slack", "gmail", "instagram", "linkedin"},
	}
}

func newTestInitiator(t *testing.T, cfg *config.Service, subs SubscriptionLookup) *Initiator {
	t.Helper()

	return &Initiator{
		Signer:  newTestSigner(t),
		Config:  cfg,
		Gate:    access.NewGate(nil, nil),
		Subs:    subs,
		Repo:    newFakeRepo(),
		Unipile: &UnipileClient{Client: http.DefaultClient, BaseURL: "http://127.0.0.1:0"},
		AppURL:  testAppURL,
		Logger:  log.New(io.Discard, "", 0),
	}
}

func connectReq() ConnectRequest {
	return ConnectRequest{ImoID: testImoID, UserID: testUserID, ReturnURL: "/settings/integrations"}
}

func TestConnectSlackBuildsAuthorizationURL(t *testing.T) {
	i := newTestInitiator(t, slackTestConfig(t), fakeSubs{state: allProvidersPlan()})

	result := i.Connect(context.Background(), models.ProviderSlack, connectReq())
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	u, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	if u.Host != "slack.com" || u.Path != "/oauth/v2/authorize" {
		t.Errorf("endpoint = %s%s", u.Host, u.Path)
	}

	q := u.Query()
	if q.Get("client_id") != "slack-client-id" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}

	if q.Get("redirect_uri") != testAppURL+"/api/integrations/slack/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}

	// The secret must never appear anywhere in an authorization URL.
	if strings.Contains(result.URL, "slack-client-secret") {
		t.Fatal("client secret leaked into authorization URL")
	}

	var state StatePayload
	if !i.Signer.ParseSignedState(q.Get("state"), &state) {
		t.Fatal("embedded state does not verify")
	}

	if state.ImoID != testImoID || state.UserID != testUserID || state.ReturnURL != "/settings/integrations" {
		t.Errorf("state = %+v", state)
	}
}

func TestConnectGmailRequestsOfflineAccess(t *testing.T) {
	i := newTestInitiator(t, newTestConfig(t, gmailTestConfig(t)), fakeSubs{state: allProvidersPlan()})

	result := i.Connect(context.Background(), models.ProviderGmail, connectReq())
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	u, err := url.Parse(result.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}

	q := u.Query()
	if q.Get("access_type") != "offline" {
		t.Errorf("access_type = %q, refresh token will not be issued", q.Get("access_type"))
	}

	if q.Get("prompt") != "consent" && q.Get("approval_prompt") != "force" {
		t.Error("approval not forced, repeat consents will omit the refresh token")
	}

	if !strings.Contains(q.Get("scope"), "gmail.send") {
		t.Errorf("scope = %q", q.Get("scope"))
	}
}

func TestConnectNeedsConfiguration(t *testing.T) {
	i := newTestInitiator(t, newTestConfig(t, nil), fakeSubs{state: allProvidersPlan()})

	for _, provider := range []string{models.ProviderSlack, models.ProviderGmail, models.ProviderInstagram} {
		t.Run(provider, func(t *testing.T) {
			result := i.Connect(context.Background(), provider, connectReq())
			if result.OK || !result.NeedsConfiguration {
				t.Fatalf("result = %+v", result)
			}
		})
	}
}

func TestConnectUpgradeRequired(t *testing.T) {
	subs := fakeSubs{state: access.SubscriptionState{PlanID: "free"}}
	i := newTestInitiator(t, slackTestConfig(t), subs)

	result := i.Connect(context.Background(), models.ProviderSlack, connectReq())
	if result.OK || !result.UpgradeRequired {
		t.Fatalf("result = %+v", result)
	}
}

func TestConnectAllowedByPromotion(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	i := newTestInitiator(t, slackTestConfig(t), fakeSubs{state: access.SubscriptionState{PlanID: "free"}})
	i.Gate = access.NewGate(fixedClock(now), &access.Promotion{
		ExpiresAt: now.Add(24 * time.Hour),
		Excluded:  []access.Feature{access.FeatureLinkedIn},
	})

	result := i.Connect(context.Background(), models.ProviderSlack, connectReq())
	if !result.OK {
		t.Fatalf("result = %+v", result)
	}

	// Excluded features stay gated during the promotion.
	excluded := i.Connect(context.Background(), models.ProviderLinkedIn, connectReq())
	if excluded.OK || !excluded.UpgradeRequired {
		t.Fatalf("excluded result = %+v", excluded)
	}
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

func TestConnectUnknownProvider(t *testing.T) {
	i := newTestInitiator(t, slackTestConfig(t), fakeSubs{state: allProvidersPlan()})

	result := i.Connect(context.Background(), "myspace", connectReq())
	if result.OK || result.Error == "" {
		t.Fatalf("result = %+v", result)
	}
}

func TestConnectLinkedInHostedLink(t *testing.T) {
	var gotReq map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/hosted/accounts/link" {
			t.Errorf("path = %s", r.URL.Path)
		}

		if r.Header.Get("X-API-KEY") != "unipile-key" {
			t.Errorf("missing api key header")
		}

		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"object": "HostedAuthUrl", "url": "https://account.unipile.com/hosted/xyz"}`)
	}))
	t.Cleanup(srv.Close)

	i := newTestInitiator(t, unipileTestConfig(t), fakeSubs{state: allProvidersPlan()})
	i.Unipile = &UnipileClient{Client: srv.Client(), BaseURL: srv.URL}

	result := i.Connect(context.Background(), models.ProviderLinkedIn, connectReq())
	if !result.OK || result.URL != "https://account.unipile.com/hosted/xyz" {
		t.Fatalf("result = %+v", result)
	}

	if gotReq["notify_url"] != testAppURL+"/api/integrations/linkedin/webhook" {
		t.Errorf("notify_url = %v", gotReq["notify_url"])
	}

	// The hosted link's name field must round-trip as a verifiable state.
	name, _ := gotReq["name"].(string)

	var state StatePayload
	if !i.Signer.ParseSignedState(name, &state) {
		t.Fatal("hosted link name is not a verifiable state token")
	}

	if state.UserID != testUserID {
		t.Errorf("state = %+v", state)
	}
}

func TestConnectLinkedInAccountLimit(t *testing.T) {
	cfg := newTestConfig(t, map[string]string{
		"integrations.unipile.api_key":      "unipile-key",
		"integrations.unipile.dsn":          "api8.unipile.example.com:13851",
		"integrations.unipile.max_accounts": "1",
	})

	repo := newFakeRepo()
	repo.rows[models.IntegrationKey{ImoID: testImoID, Provider: models.ProviderLinkedIn, ProviderAccountID: "acc-existing"}] = &models.Integration{
		ID:       "existing",
		ImoID:    testImoID,
		Provider: models.ProviderLinkedIn,
		IsActive: true,
	}

	i := newTestInitiator(t, cfg, fakeSubs{state: allProvidersPlan()})
	i.Repo = repo

	result := i.Connect(context.Background(), models.ProviderLinkedIn, connectReq())
	if result.OK || !result.LimitReached {
		t.Fatalf("result = %+v", result)
	}
}

func TestConnectSubscriptionLookupFailure(t *testing.T) {
	i := newTestInitiator(t, slackTestConfig(t), fakeSubs{err: context.DeadlineExceeded})

	result := i.Connect(context.Background(), models.ProviderSlack, connectReq())
	if result.OK || result.Error == "" {
		t.Fatalf("result = %+v", result)
	}
}
