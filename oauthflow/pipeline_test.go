package oauthflow

import (
	"context"
	"database/sql"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agencykit/integrations/config"
	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/pkg/encryption"
	"github.com/agencykit/integrations/pkg/statesign"
)

const (
	testAppURL = "https://app.example.com"
	testImoID  = "imo1"
	testUserID = "user-42"
)

func newTestSigner(t *testing.T) *statesign.Signer {
	t.Helper()

	signer, err := statesign.New(statesign.SigningConfig{Secret: "test-signing-secret"})
	if err != nil {
		t.Fatalf("statesign.New: %v", err)
	}

	return signer
}

func newTestEncryptor(t *testing.T) *encryption.Encryptor {
	t.Helper()

	enc, err := encryption.New(encryption.EncryptionConfig{Key: "0123456789abcdef0123456789abcdef"})
	if err != nil {
		t.Fatalf("encryption.New: %v", err)
	}

	return enc
}

// newTestConfig backs a config.Service with an in-memory sqlite database so
// tests do not depend on process environment.
func newTestConfig(t *testing.T, seed map[string]string) *config.Service {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE system_config (
		key TEXT PRIMARY KEY,
		value TEXT,
		type TEXT,
		description TEXT,
		min_value TEXT,
		max_value TEXT,
		updated_at TEXT,
		updated_by TEXT
	)`)
	if err != nil {
		t.Fatalf("create system_config: %v", err)
	}

	for k, v := range seed {
		if _, err := db.Exec(`INSERT INTO system_config (key, value, type) VALUES ($1, $2, 'string')`, k, v); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}

	return config.New(db)
}

func slackTestConfig(t *testing.T) *config.Service {
	return newTestConfig(t, map[string]string{
		"integrations.slack.client_id":     "slack-client-id",
		"integrations.slack.client_secret": "slack-client-secret",
	})
}

type fakeRepo struct {
	mu         sync.Mutex
	rows       map[models.IntegrationKey]*models.Integration
	upserts    int
	failUpsert bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[models.IntegrationKey]*models.Integration)}
}

func repoKey(in *models.Integration) models.IntegrationKey {
	return models.IntegrationKey{
		ImoID:             in.ImoID,
		Provider:          in.Provider,
		ProviderAccountID: in.ProviderAccountID,
		TeamID:            in.TeamID,
		AgencyID:          in.AgencyID,
	}
}

func (f *fakeRepo) GetByKey(ctx context.Context, key models.IntegrationKey) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if row, ok := f.rows[key]; ok {
		clone := *row

		return &clone, nil
	}

	return nil, models.ErrNotFound
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if row.ID == id {
			clone := *row

			return &clone, nil
		}
	}

	return nil, models.ErrNotFound
}

func (f *fakeRepo) ListByUser(ctx context.Context, imoID, userID string) ([]models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []models.Integration
	for _, row := range f.rows {
		if row.ImoID == imoID && row.UserID == userID {
			out = append(out, *row)
		}
	}

	return out, nil
}

func (f *fakeRepo) CountActive(ctx context.Context, imoID, provider string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, row := range f.rows {
		if row.ImoID == imoID && row.Provider == provider && row.IsActive {
			n++
		}
	}

	return n, nil
}

func (f *fakeRepo) ListExpiring(ctx context.Context, within time.Duration) ([]models.Integration, error) {
	return nil, nil
}

func (f *fakeRepo) Upsert(ctx context.Context, in *models.Integration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.upserts++
	if f.failUpsert {
		return context.DeadlineExceeded
	}

	key := repoKey(in)
	if existing, ok := f.rows[key]; ok {
		in.ID = existing.ID
	}

	clone := *in
	f.rows[key] = &clone

	return nil
}

func (f *fakeRepo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if row.ID == id {
			row.AccessToken = accessToken
			row.RefreshToken = refreshToken
			row.TokenExpiry = expiry

			return nil
		}
	}

	return models.ErrNotFound
}

func (f *fakeRepo) MarkError(ctx context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if row.ID == id {
			row.LastError = &message
			row.IsActive = false
			row.ConnectionStatus = models.StatusError

			return nil
		}
	}

	return models.ErrNotFound
}

func (f *fakeRepo) Deactivate(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, row := range f.rows {
		if row.ID == id {
			row.IsActive = false

			return nil
		}
	}

	return models.ErrNotFound
}

func newTestPipeline(t *testing.T, repo *fakeRepo, cfg *config.Service) *CallbackPipeline {
	t.Helper()

	return &CallbackPipeline{
		Signer:    newTestSigner(t),
		Encryptor: newTestEncryptor(t),
		Repo:      repo,
		Config:    cfg,
		AppURL:    testAppURL,
		Logger:    log.New(io.Discard, "", 0),
	}
}

func signedState(t *testing.T, signer *statesign.Signer, payload StatePayload) string {
	t.Helper()

	token, err := signer.CreateSignedState(payload)
	if err != nil {
		t.Fatalf("CreateSignedState: %v", err)
	}

	return token
}

// fakeSlackServer serves oauth.v2.access and counts exchange calls.
func fakeSlackServer(t *testing.T, body string) (*httptest.Server, *int) {
	t.Helper()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth.v2.access" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		calls++
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	return srv, &calls
}

const slackOKResponse = `{
	"ok": true,
	"access_token": "xoxb-token",
	"scope": "chat:write,channels:read",
	"bot_user_id": "U999",
	"team": {"id": "T123", "name": "Acme Insurance"}
}`

func callbackRequest(rawQuery string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "/api/integrations/slack/callback?"+rawQuery, nil)
}

func assertRedirect(t *testing.T, rec *httptest.ResponseRecorder, want string) {
	t.Helper()

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTemporaryRedirect)
	}

	if got := rec.Header().Get("Location"); got != want {
		t.Fatalf("redirect = %q, want %q", got, want)
	}
}

func TestCallbackProviderErrorSkipsExchange(t *testing.T) {
	srv, calls := fakeSlackServer(t, slackOKResponse)
	slack := &Slack{APIURL: srv.URL, Client: srv.Client()}

	repo := newFakeRepo()
	p := newTestPipeline(t, repo, slackTestConfig(t))

	rec := httptest.NewRecorder()
	p.Handle(rec, callbackRequest("error=access_denied&error_description=user+cancelled"), slack)

	assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=access_denied")

	if *calls != 0 {
		t.Fatalf("exchange endpoint called %d times on provider-error path", *calls)
	}

	if repo.upserts != 0 {
		t.Fatalf("upserts = %d, want 0", repo.upserts)
	}
}

func TestCallbackMissingParams(t *testing.T) {
	slack := &Slack{APIURL: "http://127.0.0.1:0", Client: http.DefaultClient}
	p := newTestPipeline(t, newFakeRepo(), slackTestConfig(t))

	for name, query := range map[string]string{
		"no params": "",
		"no code":   "state=abc",
		"no state":  "code=abc",
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			p.Handle(rec, callbackRequest(query), slack)

			assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=missing_params")
		})
	}
}

func TestCallbackInvalidState(t *testing.T) {
	slack := &Slack{APIURL: "http://127.0.0.1:0", Client: http.DefaultClient}
	p := newTestPipeline(t, newFakeRepo(), slackTestConfig(t))

	rec := httptest.NewRecorder()
	p.Handle(rec, callbackRequest("code=abc&state=not-a-valid-token"), slack)

	assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=invalid_state")
}

func TestCallbackExpiredState(t *testing.T) {
	slack := &Slack{APIURL: "http://127.0.0.1:0", Client: http.DefaultClient}
	repo := newFakeRepo()
	p := newTestPipeline(t, repo, slackTestConfig(t))

	issued := time.Now()
	state := signedState(t, p.Signer, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: issued.UnixMilli(),
	})

	t.Run("just inside the window", func(t *testing.T) {
		// At exactly the TTL boundary the state is still accepted; only
		// strictly older states are rejected. Exchange then fails against
		// the unreachable server, which proves the state check passed.
		p.Now = func() time.Time { return issued.Add(RedirectStateTTL) }

		rec := httptest.NewRecorder()
		p.Handle(rec, callbackRequest("code=abc&state="+url.QueryEscape(state)), slack)

		assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=token_exchange")
	})

	t.Run("past the window", func(t *testing.T) {
		p.Now = func() time.Time { return issued.Add(RedirectStateTTL + time.Second) }

		rec := httptest.NewRecorder()
		p.Handle(rec, callbackRequest("code=abc&state="+url.QueryEscape(state)), slack)

		assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=expired")
	})
}

func TestCallbackUnconfiguredTenant(t *testing.T) {
	slack := &Slack{APIURL: "http://127.0.0.1:0", Client: http.DefaultClient}
	p := newTestPipeline(t, newFakeRepo(), newTestConfig(t, nil))

	state := signedState(t, p.Signer, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
		ReturnURL: "/dashboard",
	})

	rec := httptest.NewRecorder()
	p.Handle(rec, callbackRequest("code=abc&state="+url.QueryEscape(state)), slack)

	// The verified state's return URL is honored even on the failure path.
	assertRedirect(t, rec, testAppURL+"/dashboard?slack=error&reason=config")
}

func TestCallbackSlackSuccess(t *testing.T) {
	var gotForm url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}

		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, slackOKResponse)
	}))
	t.Cleanup(srv.Close)

	slack := &Slack{APIURL: srv.URL, Client: srv.Client()}
	repo := newFakeRepo()
	p := newTestPipeline(t, repo, slackTestConfig(t))

	state := signedState(t, p.Signer, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
		ReturnURL: "/settings/integrations",
	})

	rec := httptest.NewRecorder()
	p.Handle(rec, callbackRequest("code=auth-code&state="+url.QueryEscape(state)), slack)

	assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=success&account="+url.QueryEscape("Acme Insurance"))

	if got := gotForm.Get("code"); got != "auth-code" {
		t.Errorf("exchanged code = %q", got)
	}

	if got := gotForm.Get("client_id"); got != "slack-client-id" {
		t.Errorf("client_id = %q", got)
	}

	if got := gotForm.Get("redirect_uri"); got != testAppURL+"/api/integrations/slack/callback" {
		t.Errorf("redirect_uri = %q", got)
	}

	if len(repo.rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(repo.rows))
	}

	var row *models.Integration
	for _, r := range repo.rows {
		row = r
	}

	if row.Provider != models.ProviderSlack || row.ProviderAccountID != "T123" || row.TeamID != "T123" {
		t.Errorf("row identity = %s/%s/%s", row.Provider, row.ProviderAccountID, row.TeamID)
	}

	if row.ConnectionStatus != models.StatusConnected || !row.IsActive {
		t.Errorf("row status = %s active=%v", row.ConnectionStatus, row.IsActive)
	}

	if row.AccessToken == "xoxb-token" {
		t.Fatal("access token stored in plaintext")
	}

	plain, err := p.Encryptor.Decrypt(row.AccessToken)
	if err != nil || plain != "xoxb-token" {
		t.Errorf("decrypted token = %q, %v", plain, err)
	}

	if strings.Join(row.Scopes, ",") != "chat:write,channels:read" {
		t.Errorf("scopes = %v", row.Scopes)
	}
}

func TestCallbackIdempotentUnderRetry(t *testing.T) {
	srv, calls := fakeSlackServer(t, slackOKResponse)
	slack := &Slack{APIURL: srv.URL, Client: srv.Client()}

	repo := newFakeRepo()
	p := newTestPipeline(t, repo, slackTestConfig(t))

	state := signedState(t, p.Signer, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		p.Handle(rec, callbackRequest("code=auth-code&state="+url.QueryEscape(state)), slack)

		if rec.Code != http.StatusTemporaryRedirect {
			t.Fatalf("pass %d: status = %d", i, rec.Code)
		}
	}

	if *calls != 2 {
		t.Fatalf("exchange calls = %d, want 2", *calls)
	}

	if len(repo.rows) != 1 {
		t.Fatalf("rows after duplicate callback = %d, want 1", len(repo.rows))
	}
}

func TestCallbackSaveFailed(t *testing.T) {
	srv, _ := fakeSlackServer(t, slackOKResponse)
	slack := &Slack{APIURL: srv.URL, Client: srv.Client()}

	repo := newFakeRepo()
	repo.failUpsert = true
	p := newTestPipeline(t, repo, slackTestConfig(t))

	state := signedState(t, p.Signer, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	rec := httptest.NewRecorder()
	p.Handle(rec, callbackRequest("code=auth-code&state="+url.QueryEscape(state)), slack)

	assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=save_failed")
}

func TestCallbackTokenExchangeRejected(t *testing.T) {
	srv, _ := fakeSlackServer(t, `{"ok": false, "error": "invalid_code"}`)
	slack := &Slack{APIURL: srv.URL, Client: srv.Client()}

	repo := newFakeRepo()
	p := newTestPipeline(t, repo, slackTestConfig(t))

	state := signedState(t, p.Signer, StatePayload{
		ImoID:     testImoID,
		UserID:    testUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	rec := httptest.NewRecorder()
	p.Handle(rec, callbackRequest("code=bad-code&state="+url.QueryEscape(state)), slack)

	assertRedirect(t, rec, testAppURL+"/settings/integrations?slack=error&reason=token_exchange")

	if repo.upserts != 0 {
		t.Fatalf("upserts = %d, want 0", repo.upserts)
	}
}
