package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/agencykit/integrations/models"
)

type IntegrationRepository struct {
	db *sql.DB
}

func NewIntegrationRepository(db *sql.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

const integrationColumns = `
	id, imo_id, agency_id, user_id, provider, provider_account_id,
	display_name, handle, avatar_url, team_id,
	access_token, refresh_token, token_expiry, scopes,
	connection_status, is_active, last_connected_at, last_error, last_error_at,
	created_at, updated_at
`

func scanIntegration(row interface{ Scan(...any) error }) (*models.Integration, error) {
	var (
		i       models.Integration
		scopes  sql.NullString
		refresh sql.NullString
		status  string
	)

	err := row.Scan(
		&i.ID,
		&i.ImoID,
		&i.AgencyID,
		&i.UserID,
		&i.Provider,
		&i.ProviderAccountID,
		&i.DisplayName,
		&i.Handle,
		&i.AvatarURL,
		&i.TeamID,
		&i.AccessToken,
		&refresh,
		&i.TokenExpiry,
		&scopes,
		&status,
		&i.IsActive,
		&i.LastConnectedAt,
		&i.LastError,
		&i.LastErrorAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	i.RefreshToken = refresh.String
	i.Scopes = splitScopeList(scopes.String)
	i.ConnectionStatus = models.ConnectionStatus(status)

	return &i, nil
}

func joinScopeList(scopes []string) string {
	return strings.Join(scopes, ",")
}

func splitScopeList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// keyClause matches the row an upsert resolves to. The agency id is part of
// the scope but nullable, so NULL has to compare equal to NULL.
const keyClause = `
	imo_id = $1 AND provider = $2 AND provider_account_id = $3 AND team_id = $4
	AND (agency_id = $5 OR (agency_id IS NULL AND $5::text IS NULL))
`

func (r *IntegrationRepository) GetByKey(ctx context.Context, key models.IntegrationKey) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE ` + keyClause

	row := r.db.QueryRowContext(ctx, query, key.ImoID, key.Provider, key.ProviderAccountID, key.TeamID, key.AgencyID)
	return scanIntegration(row)
}

func (r *IntegrationRepository) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	query := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`

	return scanIntegration(r.db.QueryRowContext(ctx, query, id))
}

func (r *IntegrationRepository) ListByUser(ctx context.Context, imoID, userID string) ([]models.Integration, error) {
	query := `SELECT ` + integrationColumns + `
		FROM integrations
		WHERE imo_id = $1 AND user_id = $2
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, imoID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}

	return out, rows.Err()
}

func (r *IntegrationRepository) CountActive(ctx context.Context, imoID, provider string) (int, error) {
	query := `SELECT COUNT(*) FROM integrations WHERE imo_id = $1 AND provider = $2 AND is_active`

	var n int
	err := r.db.QueryRowContext(ctx, query, imoID, provider).Scan(&n)
	return n, err
}

func (r *IntegrationRepository) ListExpiring(ctx context.Context, within time.Duration) ([]models.Integration, error) {
	query := `SELECT ` + integrationColumns + `
		FROM integrations
		WHERE is_active
		  AND refresh_token IS NOT NULL AND refresh_token <> ''
		  AND token_expiry IS NOT NULL AND token_expiry < $1
		ORDER BY token_expiry`

	rows, err := r.db.QueryContext(ctx, query, time.Now().UTC().Add(within))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *i)
	}

	return out, rows.Err()
}

// Upsert inserts or updates the row identified by the integration's key.
// The existence check and the write run in one transaction so a duplicate
// callback cannot race itself into two rows.
func (r *IntegrationRepository) Upsert(ctx context.Context, in *models.Integration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingID string
	selectQuery := `SELECT id FROM integrations WHERE ` + keyClause + ` FOR UPDATE`
	err = tx.QueryRowContext(ctx, selectQuery,
		in.ImoID, in.Provider, in.ProviderAccountID, in.TeamID, in.AgencyID,
	).Scan(&existingID)

	now := time.Now().UTC()

	switch {
	case err == nil:
		updateQuery := `
			UPDATE integrations SET
				user_id = $2,
				display_name = $3,
				handle = $4,
				avatar_url = $5,
				access_token = $6,
				refresh_token = $7,
				token_expiry = $8,
				scopes = $9,
				connection_status = $10,
				is_active = $11,
				last_connected_at = $12,
				last_error = NULL,
				last_error_at = NULL,
				updated_at = $13
			WHERE id = $1`

		_, err = tx.ExecContext(ctx, updateQuery,
			existingID,
			in.UserID,
			in.DisplayName,
			in.Handle,
			in.AvatarURL,
			in.AccessToken,
			nullString(in.RefreshToken),
			in.TokenExpiry,
			joinScopeList(in.Scopes),
			string(in.ConnectionStatus),
			in.IsActive,
			in.LastConnectedAt,
			now,
		)
		if err != nil {
			return err
		}

		in.ID = existingID
	case errors.Is(err, sql.ErrNoRows):
		insertQuery := `
			INSERT INTO integrations (` + integrationColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NULL, NULL, $18, $18)`

		_, err = tx.ExecContext(ctx, insertQuery,
			in.ID,
			in.ImoID,
			in.AgencyID,
			in.UserID,
			in.Provider,
			in.ProviderAccountID,
			in.DisplayName,
			in.Handle,
			in.AvatarURL,
			in.TeamID,
			in.AccessToken,
			nullString(in.RefreshToken),
			in.TokenExpiry,
			joinScopeList(in.Scopes),
			string(in.ConnectionStatus),
			in.IsActive,
			in.LastConnectedAt,
			now,
		)
		if err != nil {
			return err
		}
	default:
		return err
	}

	return tx.Commit()
}

func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error {
	query := `
		UPDATE integrations SET
			access_token = $2,
			refresh_token = $3,
			token_expiry = $4,
			last_error = NULL,
			last_error_at = NULL,
			updated_at = $5
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, accessToken, nullString(refreshToken), expiry, time.Now().UTC())
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *IntegrationRepository) MarkError(ctx context.Context, id, message string) error {
	query := `
		UPDATE integrations SET
			connection_status = $2,
			last_error = $3,
			last_error_at = $4,
			updated_at = $4
		WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, string(models.StatusError), message, time.Now().UTC())
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (r *IntegrationRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE integrations SET is_active = FALSE, updated_at = $2 WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return err
	}

	return requireRow(res)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
