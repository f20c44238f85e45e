package oauthflow

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
)

func unipileTestConfig(t *testing.T) *config.Service {
	return newTestConfig(t, map[string]string{
		"integrations.unipile.api_key": "unipile-key",
		"integrations.unipile.dsn":     "api8.unipile.example.com:13851",
	})
}

func newTestAccountLinkPipeline(t *testing.T, repo *fakeRepo, cfg *config.Service, unipile *UnipileClient) *AccountLinkPipeline {
	t.Helper()

	if unipile == nil {
		unipile = &UnipileClient{Client: http.DefaultClient, BaseURL: "http://127.0.0.1:0"}
	}

	return &AccountLinkPipeline{
		Signer:  newTestSigner(t),
		Repo:    repo,
		Config:  cfg,
		Unipile: unipile,
		Logger:  log.New(io.Discard, "", 0),
	}
}

func webhookRequest(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/api/integrations/linkedin/webhook", strings.NewReader(body))
}

func decodeLinkResponse(t *testing.T, rec *httptest.ResponseRecorder) AccountLinkResponse {
	t.Helper()

	var resp AccountLinkResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	return resp
}

func webhookBody(t *testing.T, p *AccountLinkPipeline, status string, payload StatePayload) string {
	t.Helper()

	body, err := json.Marshal(AccountLinkCallback{
		AccountID: "acc-123",
		Type:      "LINKEDIN",
		Status:    status,
		Name:      signedState(t, p.Signer, payload),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}

	return string(body)
}

func TestAccountLinkMissingFields(t *testing.T) {
	p := newTestAccountLinkPipeline(t, newFakeRepo(), unipileTestConfig(t), nil)

	for name, body := range map[string]string{
		"not json":      "not-json",
		"no account id": `{"status": "CONNECTED", "name": "x"}`,
		"no state":      `{"account_id": "acc-123", "status": "CONNECTED"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.Handle(rec, webhookRequest(body))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}

			if resp := decodeLinkResponse(t, rec); resp.OK || resp.Error != ReasonMissingParams {
				t.Fatalf("response = %+v", resp)
			}
		})
	}
}

func TestAccountLinkInvalidState(t *testing.T) {
	p := newTestAccountLinkPipeline(t, newFakeRepo(), unipileTestConfig(t), nil)

	rec := httptest.NewRecorder()
	p.Handle(rec, webhookRequest(`{"account_id": "acc-123", "status": "CONNECTED", "name": "tampered.deadbeef"}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	if resp := decodeLinkResponse(t, rec); resp.Error != ReasonInvalidState {
		t.Fatalf("response = %+v", resp)
	}
}

func TestAccountLinkExpiredState(t *testing.T) {
	p := newTestAccountLinkPipeline(t, newFakeRepo(), unipileTestConfig(t), nil)

	issued := time.Now()
	body := webhookBody(t, p, UnipileStatusConnected, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: issued.UnixMilli(),
	})

	// The webhook tolerates a full hour; the redirect TTL would have
	// rejected this long ago.
	p.Now = func() time.Time { return issued.Add(WebhookStateTTL + time.Minute) }

	rec := httptest.NewRecorder()
	p.Handle(rec, webhookRequest(body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	if resp := decodeLinkResponse(t, rec); resp.Error != ReasonExpired {
		t.Fatalf("response = %+v", resp)
	}
}

func TestAccountLinkErrorStatusSkipsAccountFetch(t *testing.T) {
	fetches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	repo := newFakeRepo()
	unipile := &UnipileClient{Client: srv.Client(), BaseURL: srv.URL}
	p := newTestAccountLinkPipeline(t, repo, unipileTestConfig(t), unipile)

	body := webhookBody(t, p, UnipileStatusError, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	rec := httptest.NewRecorder()
	p.Handle(rec, webhookRequest(body))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}

	if fetches != 0 {
		t.Fatalf("account detail fetched %d times on error status", fetches)
	}

	if repo.upserts != 0 {
		t.Fatalf("upserts = %d, want 0", repo.upserts)
	}
}

func TestAccountLinkConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "unipile-key" {
			t.Errorf("missing api key header")
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "acc-123",
			"name": "LinkedIn account",
			"type": "LINKEDIN",
			"sources": [{
				"id": "linkedin-source-1",
				"username": "jane-doe",
				"display_name": "Jane Doe",
				"headline": "Agency Principal",
				"profile_url": "https://www.linkedin.com/in/jane-doe",
				"picture_url": "https://media.example.com/jane.jpg"
			}]
		}`)
	}))
	t.Cleanup(srv.Close)

	repo := newFakeRepo()
	unipile := &UnipileClient{Client: srv.Client(), BaseURL: srv.URL}
	p := newTestAccountLinkPipeline(t, repo, unipileTestConfig(t), unipile)

	body := webhookBody(t, p, UnipileStatusConnected, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	rec := httptest.NewRecorder()
	p.Handle(rec, webhookRequest(body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	resp := decodeLinkResponse(t, rec)
	if !resp.OK || resp.IntegrationID == "" || resp.Status != string(models.StatusConnected) {
		t.Fatalf("response = %+v", resp)
	}

	if len(repo.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(repo.rows))
	}

	for _, row := range repo.rows {
		if row.Provider != models.ProviderLinkedIn || row.ProviderAccountID != "acc-123" {
			t.Errorf("row identity = %s/%s", row.Provider, row.ProviderAccountID)
		}

		if row.Handle != "jane-doe" || row.DisplayName != "Jane Doe" {
			t.Errorf("row profile = %s/%s", row.Handle, row.DisplayName)
		}

		if !row.IsActive || row.ConnectionStatus != models.StatusConnected {
			t.Errorf("row status = %s active=%v", row.ConnectionStatus, row.IsActive)
		}
	}
}

func TestAccountLinkDetailFetchFailureStillSaves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	repo := newFakeRepo()
	unipile := &UnipileClient{Client: srv.Client(), BaseURL: srv.URL}
	p := newTestAccountLinkPipeline(t, repo, unipileTestConfig(t), unipile)

	body, err := json.Marshal(AccountLinkCallback{
		AccountID:           "acc-123",
		Status:              UnipileStatusCredentials,
		Name:                signedState(t, p.Signer, StatePayload{ImoID: testImoID, UserID: testUserID, Timestamp: time.Now().UnixMilli()}),
		ProviderAccountName: "Jane Doe",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	p.Handle(rec, webhookRequest(string(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	resp := decodeLinkResponse(t, rec)
	if !resp.OK || resp.Status != string(models.StatusCredentials) {
		t.Fatalf("response = %+v", resp)
	}

	for _, row := range repo.rows {
		// Webhook body metadata is the fallback when details are unavailable.
		if row.DisplayName != "Jane Doe" {
			t.Errorf("display name = %q", row.DisplayName)
		}
	}
}

func TestAccountLinkDuplicateDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id": "acc-123", "name": "LinkedIn account", "sources": []}`)
	}))
	t.Cleanup(srv.Close)

	repo := newFakeRepo()
	unipile := &UnipileClient{Client: srv.Client(), BaseURL: srv.URL}
	p := newTestAccountLinkPipeline(t, repo, unipileTestConfig(t), unipile)

	body := webhookBody(t, p, UnipileStatusConnected, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	first := httptest.NewRecorder()
	p.Handle(first, webhookRequest(body))

	second := httptest.NewRecorder()
	p.Handle(second, webhookRequest(body))

	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", second.Code)
	}

	resp := decodeLinkResponse(t, second)
	if !resp.OK || resp.Message != "already processed" {
		t.Fatalf("duplicate response = %+v", resp)
	}

	if repo.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", repo.upserts)
	}

	if len(repo.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(repo.rows))
	}
}
