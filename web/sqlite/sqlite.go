package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/agencykit/integrations/models"
)

// repo is the single-node integration store used when no DATABASE_URL is
// configured. It implements models.IntegrationRepository over a local
// sqlite file.
type repo struct {
	db *sql.DB
}

func New(path string) (models.IntegrationRepository, error) {
	db, err := initDatabase(path)
	if err != nil {
		return nil, err
	}

	return &repo{db: db}, nil
}

// Open is like New but also exposes the underlying handle, for callers that
// share the database with the configuration service.
func Open(path string) (models.IntegrationRepository, *sql.DB, error) {
	db, err := initDatabase(path)
	if err != nil {
		return nil, nil, err
	}

	return &repo{db: db}, db, nil
}

const columns = `id, imo_id, agency_id, user_id, provider, provider_account_id,
	display_name, handle, avatar_url, team_id,
	access_token, refresh_token, token_expiry, scopes,
	connection_status, is_active, last_connected_at, last_error, last_error_at,
	created_at, updated_at`

const keyClause = `imo_id = ? AND provider = ? AND provider_account_id = ? AND team_id = ?
	AND COALESCE(agency_id, '') = COALESCE(?, '')`

type scannable interface {
	Scan(dest ...any) error
}

func rowToIntegration(row scannable) (*models.Integration, error) {
	var (
		i           models.Integration
		refresh     sql.NullString
		scopes      sql.NullString
		status      string
		expiry      sql.NullString
		connectedAt sql.NullString
		errorAt     sql.NullString
		createdAt   string
		updatedAt   string
	)

	err := row.Scan(&i.ID, &i.ImoID, &i.AgencyID, &i.UserID, &i.Provider, &i.ProviderAccountID,
		&i.DisplayName, &i.Handle, &i.AvatarURL, &i.TeamID,
		&i.AccessToken, &refresh, &expiry, &scopes,
		&status, &i.IsActive, &connectedAt, &i.LastError, &errorAt,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	i.RefreshToken = refresh.String
	i.ConnectionStatus = models.ConnectionStatus(status)

	if scopes.String != "" {
		i.Scopes = strings.Split(scopes.String, ",")
	}

	i.TokenExpiry = parseTimePtr(expiry)
	i.LastConnectedAt = parseTimePtr(connectedAt)
	i.LastErrorAt = parseTimePtr(errorAt)
	i.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	i.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	return &i, nil
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}

	return &t
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC().Format(time.RFC3339Nano)
}

func (repo *repo) GetByKey(ctx context.Context, key models.IntegrationKey) (*models.Integration, error) {
	const q = `SELECT ` + columns + ` FROM integrations WHERE ` + keyClause

	row := repo.db.QueryRowContext(ctx, q, key.ImoID, key.Provider, key.ProviderAccountID, key.TeamID, key.AgencyID)

	return rowToIntegration(row)
}

func (repo *repo) GetByID(ctx context.Context, id string) (*models.Integration, error) {
	const q = `SELECT ` + columns + ` FROM integrations WHERE id = ?`

	return rowToIntegration(repo.db.QueryRowContext(ctx, q, id))
}

func (repo *repo) ListByUser(ctx context.Context, imoID, userID string) ([]models.Integration, error) {
	const q = `SELECT ` + columns + ` FROM integrations WHERE imo_id = ? AND user_id = ? ORDER BY created_at DESC`

	rows, err := repo.db.QueryContext(ctx, q, imoID, userID)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ans []models.Integration

	for rows.Next() {
		i, err := rowToIntegration(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, *i)
	}

	return ans, rows.Err()
}

func (repo *repo) CountActive(ctx context.Context, imoID, provider string) (int, error) {
	const q = `SELECT COUNT(*) FROM integrations WHERE imo_id = ? AND provider = ? AND is_active`

	var n int
	err := repo.db.QueryRowContext(ctx, q, imoID, provider).Scan(&n)

	return n, err
}

func (repo *repo) ListExpiring(ctx context.Context, within time.Duration) ([]models.Integration, error) {
	const q = `SELECT ` + columns + ` FROM integrations
		WHERE is_active
		  AND refresh_token IS NOT NULL AND refresh_token <> ''
		  AND token_expiry IS NOT NULL AND token_expiry < ?
		ORDER BY token_expiry`

	rows, err := repo.db.QueryContext(ctx, q, time.Now().UTC().Add(within).Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var ans []models.Integration

	for rows.Next() {
		i, err := rowToIntegration(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, *i)
	}

	return ans, rows.Err()
}

func (repo *repo) Upsert(ctx context.Context, in *models.Integration) error {
	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM integrations WHERE `+keyClause,
		in.ImoID, in.Provider, in.ProviderAccountID, in.TeamID, in.AgencyID,
	).Scan(&existingID)

	now := time.Now().UTC().Format(time.RFC3339Nano)

	switch {
	case err == nil:
		const q = `UPDATE integrations SET
			user_id = ?, display_name = ?, handle = ?, avatar_url = ?,
			access_token = ?, refresh_token = ?, token_expiry = ?, scopes = ?,
			connection_status = ?, is_active = ?, last_connected_at = ?,
			last_error = NULL, last_error_at = NULL, updated_at = ?
			WHERE id = ?`

		_, err = tx.ExecContext(ctx, q,
			in.UserID, in.DisplayName, in.Handle, in.AvatarURL,
			in.AccessToken, in.RefreshToken, formatTimePtr(in.TokenExpiry), strings.Join(in.Scopes, ","),
			string(in.ConnectionStatus), in.IsActive, formatTimePtr(in.LastConnectedAt),
			now, existingID)
		if err != nil {
			return err
		}

		in.ID = existingID
	case errors.Is(err, sql.ErrNoRows):
		const q = `INSERT INTO integrations (` + columns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)`

		_, err = tx.ExecContext(ctx, q,
			in.ID, in.ImoID, in.AgencyID, in.UserID, in.Provider, in.ProviderAccountID,
			in.DisplayName, in.Handle, in.AvatarURL, in.TeamID,
			in.AccessToken, in.RefreshToken, formatTimePtr(in.TokenExpiry), strings.Join(in.Scopes, ","),
			string(in.ConnectionStatus), in.IsActive, formatTimePtr(in.LastConnectedAt),
			now, now)
		if err != nil {
			return err
		}
	default:
		return err
	}

	return tx.Commit()
}

func (repo *repo) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error {
	const q = `UPDATE integrations SET
		access_token = ?, refresh_token = ?, token_expiry = ?,
		last_error = NULL, last_error_at = NULL, updated_at = ?
		WHERE id = ?`

	res, err := repo.db.ExecContext(ctx, q, accessToken, refreshToken, formatTimePtr(expiry),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (repo *repo) MarkError(ctx context.Context, id, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	const q = `UPDATE integrations SET
		connection_status = ?, last_error = ?, last_error_at = ?, updated_at = ?
		WHERE id = ?`

	res, err := repo.db.ExecContext(ctx, q, string(models.StatusError), message, now, now, id)
	if err != nil {
		return err
	}

	return requireRow(res)
}

func (repo *repo) Deactivate(ctx context.Context, id string) error {
	const q = `UPDATE integrations SET is_active = 0, updated_at = ? WHERE id = ?`

	res, err := repo.db.ExecContext(ctx, q, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}

	return requireRow(res)
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

func initDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	_, err = db.Exec("PRAGMA busy_timeout = 5000")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec("PRAGMA synchronous=NORMAL")
	if err != nil {
		return nil, err
	}

	_, err = db.Exec("PRAGMA cache_size=1000")
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		return nil, err
	}

	return db, createSchema(db)
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			imo_id TEXT NOT NULL,
			agency_id TEXT,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			provider_account_id TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			handle TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			team_id TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT,
			token_expiry TEXT,
			scopes TEXT,
			connection_status TEXT NOT NULL DEFAULT 'connected',
			is_active INT NOT NULL DEFAULT 1,
			last_connected_at TEXT,
			last_error TEXT,
			last_error_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'string',
			description TEXT,
			min_value TEXT,
			max_value TEXT,
			updated_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_by TEXT
		)
	`)

	return err
}
