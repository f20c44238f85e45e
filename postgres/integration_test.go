package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/agencykit/integrations/models"
)

func TestIntegrationRepository(t *testing.T) {
	// Skip if no PostgreSQL connection is available
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL repository test: PG_TEST_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	imoID := "imo-" + uuid.New().String()
	userID := "user-" + uuid.New().String()

	expiry := time.Now().UTC().Add(30 * time.Minute).Truncate(time.Second)
	connectedAt := time.Now().UTC().Truncate(time.Second)

	row := &models.Integration{
		ID:                uuid.New().String(),
		ImoID:             imoID,
		UserID:            userID,
		Provider:          models.ProviderGmail,
		ProviderAccountID: "108",
		DisplayName:       "Agent Smith",
		Handle:            "agent@example.com",
		AccessToken:       "enc-access",
		RefreshToken:      "enc-refresh",
		TokenExpiry:       &expiry,
		Scopes:            []string{"gmail.send", "gmail.readonly"},
		ConnectionStatus:  models.StatusConnected,
		IsActive:          true,
		LastConnectedAt:   &connectedAt,
	}

	t.Run("Upsert inserts", func(t *testing.T) {
		if err := repo.Upsert(ctx, row); err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
	})

	t.Run("GetByKey", func(t *testing.T) {
		got, err := repo.GetByKey(ctx, models.IntegrationKey{
			ImoID:             imoID,
			Provider:          models.ProviderGmail,
			ProviderAccountID: "108",
		})
		if err != nil {
			t.Fatalf("Failed to get by key: %v", err)
		}

		if got.ID != row.ID {
			t.Errorf("Expected id %s, got %s", row.ID, got.ID)
		}

		if got.Handle != "agent@example.com" {
			t.Errorf("Expected handle agent@example.com, got %s", got.Handle)
		}

		if len(got.Scopes) != 2 {
			t.Errorf("Expected 2 scopes, got %v", got.Scopes)
		}
	})

	t.Run("Upsert is idempotent", func(t *testing.T) {
		retry := *row
		retry.ID = uuid.New().String()
		retry.DisplayName = "Agent Smith (renamed)"

		if err := repo.Upsert(ctx, &retry); err != nil {
			t.Fatalf("Failed to upsert duplicate: %v", err)
		}

		// The existing row's id wins; no second row appears.
		if retry.ID != row.ID {
			t.Errorf("Expected retry to resolve to id %s, got %s", row.ID, retry.ID)
		}

		all, err := repo.ListByUser(ctx, imoID, userID)
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}

		if len(all) != 1 {
			t.Fatalf("Expected 1 row after duplicate upsert, got %d", len(all))
		}

		if all[0].DisplayName != "Agent Smith (renamed)" {
			t.Errorf("Expected updated display name, got %s", all[0].DisplayName)
		}
	})

	t.Run("CountActive", func(t *testing.T) {
		n, err := repo.CountActive(ctx, imoID, models.ProviderGmail)
		if err != nil {
			t.Fatalf("Failed to count: %v", err)
		}

		if n != 1 {
			t.Errorf("Expected 1 active integration, got %d", n)
		}
	})

	t.Run("ListExpiring", func(t *testing.T) {
		expiring, err := repo.ListExpiring(ctx, time.Hour)
		if err != nil {
			t.Fatalf("Failed to list expiring: %v", err)
		}

		found := false
		for _, e := range expiring {
			if e.ID == row.ID {
				found = true
			}
		}

		if !found {
			t.Error("Expected integration with near expiry in the expiring list")
		}
	})

	t.Run("UpdateTokens", func(t *testing.T) {
		newExpiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
		if err := repo.UpdateTokens(ctx, row.ID, "enc-access-2", "enc-refresh-2", &newExpiry); err != nil {
			t.Fatalf("Failed to update tokens: %v", err)
		}

		got, err := repo.GetByID(ctx, row.ID)
		if err != nil {
			t.Fatalf("Failed to get by id: %v", err)
		}

		if got.AccessToken != "enc-access-2" || got.RefreshToken != "enc-refresh-2" {
			t.Errorf("Tokens not updated: %s / %s", got.AccessToken, got.RefreshToken)
		}
	})

	t.Run("MarkError", func(t *testing.T) {
		if err := repo.MarkError(ctx, row.ID, "refresh grant revoked"); err != nil {
			t.Fatalf("Failed to mark error: %v", err)
		}

		got, err := repo.GetByID(ctx, row.ID)
		if err != nil {
			t.Fatalf("Failed to get by id: %v", err)
		}

		if got.ConnectionStatus != models.StatusError || got.LastError == nil {
			t.Errorf("Error state not recorded: %s %v", got.ConnectionStatus, got.LastError)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		if err := repo.Deactivate(ctx, row.ID); err != nil {
			t.Fatalf("Failed to deactivate: %v", err)
		}

		n, err := repo.CountActive(ctx, imoID, models.ProviderGmail)
		if err != nil {
			t.Fatalf("Failed to count: %v", err)
		}

		if n != 0 {
			t.Errorf("Expected 0 active integrations after deactivate, got %d", n)
		}
	})

	t.Run("GetByKey missing", func(t *testing.T) {
		_, err := repo.GetByKey(ctx, models.IntegrationKey{
			ImoID:             imoID,
			Provider:          models.ProviderSlack,
			ProviderAccountID: "nope",
		})
		if !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Expected ErrNotFound, got %v", err)
		}
	})
}
