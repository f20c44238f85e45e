package tasks

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agencykit/integrations/models"
	"github.com/agencykit/integrations/oauthflow"
	"github.com/agencykit/integrations/pkg/encryption"
)

type memRepo struct {
	mu       sync.Mutex
	expiring []models.Integration
	updated  map[string]string
	errored  map[string]string
}

func newMemRepo(expiring ...models.Integration) *memRepo {
	return &memRepo{
		expiring: expiring,
		updated:  make(map[string]string),
		errored:  make(map[string]string),
	}
}

func (m *memRepo) GetByKey(context.Context, models.IntegrationKey) (*models.Integration, error) {
	return nil, models.ErrNotFound
}

func (m *memRepo) GetByID(context.Context, string) (*models.Integration, error) {
	return nil, models.ErrNotFound
}

func (m *memRepo) ListByUser(context.Context, string, string) ([]models.Integration, error) {
	return nil, nil
}

func (m *memRepo) CountActive(context.Context, string, string) (int, error) { return 0, nil }

func (m *memRepo) ListExpiring(context.Context, time.Duration) ([]models.Integration, error) {
	return m.expiring, nil
}

func (m *memRepo) Upsert(context.Context, *models.Integration) error { return nil }

func (m *memRepo) UpdateTokens(_ context.Context, id, accessToken, _ string, _ *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated[id] = accessToken
	return nil
}

func (m *memRepo) MarkError(_ context.Context, id, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errored[id] = message
	return nil
}

func (m *memRepo) Deactivate(context.Context, string) error { return nil }

func testEncryptor(t *testing.T) *encryption.Encryptor {
	t.Helper()
	enc, err := encryption.New(encryption.EncryptionConfig{Key: "0123456789abcdef0123456789abcdef"})
	require.NoError(t, err)
	return enc
}

func refreshTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := CreateTokenRefreshTask(&TokenRefreshPayload{})
	require.NoError(t, err)
	return task
}

func instagramRow(t *testing.T, enc *encryption.Encryptor, id string) models.Integration {
	t.Helper()
	stored, err := enc.Encrypt("old-long-token")
	require.NoError(t, err)
	expiry := time.Now().Add(30 * time.Minute)
	return models.Integration{
		ID:           id,
		ImoID:        "imo1",
		Provider:     models.ProviderInstagram,
		RefreshToken: stored,
		TokenExpiry:  &expiry,
	}
}

func TestTokenRefreshSweep(t *testing.T) {
	t.Run("renews expiring instagram token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/refresh_access_token", r.URL.Path)
			assert.Equal(t, "ig_refresh_token", r.URL.Query().Get("grant_type"))
			assert.Equal(t, "old-long-token", r.URL.Query().Get("access_token"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"access_token": "new-long-token",
				"expires_in":   5184000,
			})
		}))
		defer srv.Close()

		ig := oauthflow.NewInstagram()
		ig.GraphURL = srv.URL

		enc := testEncryptor(t)
		repo := newMemRepo(instagramRow(t, enc, "row-1"))

		h := NewHandler(
			WithIntegrationRepo(repo),
			WithEncryptor(enc),
			WithProviders(oauthflow.NewGmail(), ig),
		)

		err := h.ProcessTask(context.Background(), refreshTask(t))
		require.NoError(t, err)

		require.Contains(t, repo.updated, "row-1")
		plain, err := enc.Decrypt(repo.updated["row-1"])
		require.NoError(t, err)
		assert.Equal(t, "new-long-token", plain)
		assert.Empty(t, repo.errored)
	})

	t.Run("records per-row failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "token revoked"},
			})
		}))
		defer srv.Close()

		ig := oauthflow.NewInstagram()
		ig.GraphURL = srv.URL

		enc := testEncryptor(t)
		repo := newMemRepo(instagramRow(t, enc, "row-1"))

		h := NewHandler(
			WithIntegrationRepo(repo),
			WithEncryptor(enc),
			WithProviders(oauthflow.NewGmail(), ig),
		)

		// Every due row failed, so the sweep itself reports an error.
		err := h.ProcessTask(context.Background(), refreshTask(t))
		assert.Error(t, err)

		assert.Empty(t, repo.updated)
		require.Contains(t, repo.errored, "row-1")
		assert.Contains(t, repo.errored["row-1"], "token revoked")
	})

	t.Run("provider without refresh is recorded, not fatal", func(t *testing.T) {
		enc := testEncryptor(t)
		stored, err := enc.Encrypt("whatever")
		require.NoError(t, err)

		rows := []models.Integration{
			{ID: "slack-row", Provider: models.ProviderSlack, RefreshToken: stored},
			instagramRow(t, enc, "ig-row"),
		}

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "fresh", "expires_in": 3600})
		}))
		defer srv.Close()

		ig := oauthflow.NewInstagram()
		ig.GraphURL = srv.URL

		repo := newMemRepo(rows...)

		h := NewHandler(
			WithIntegrationRepo(repo),
			WithEncryptor(enc),
			WithProviders(oauthflow.NewGmail(), ig),
		)

		err = h.ProcessTask(context.Background(), refreshTask(t))
		require.NoError(t, err)

		assert.Contains(t, repo.errored, "slack-row")
		assert.Contains(t, repo.updated, "ig-row")
	})
}
