package models

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// Integration providers.
const (
	ProviderSlack     = "slack"
	ProviderGmail     = "gmail"
	ProviderInstagram = "instagram"
	ProviderLinkedIn  = "linkedin"
)

// ConnectionStatus describes the state of a connected account.
type ConnectionStatus string

const (
	StatusConnected   ConnectionStatus = "connected"
	StatusCredentials ConnectionStatus = "credentials"
	StatusError       ConnectionStatus = "error"
)

// Integration represents one connected third-party account for a user within
// an IMO. Token columns are stored encrypted; the plaintext never reaches the
// repository layer.
type Integration struct {
	ID                string           `json:"id"`
	ImoID             string           `json:"imo_id"`
	AgencyID          *string          `json:"agency_id,omitempty"`
	UserID            string           `json:"user_id"`
	Provider          string           `json:"provider"`
	ProviderAccountID string           `json:"provider_account_id"`
	DisplayName       string           `json:"display_name"`
	Handle            string           `json:"handle,omitempty"`
	AvatarURL         string           `json:"avatar_url,omitempty"`
	TeamID            string           `json:"team_id,omitempty"` // Slack workspace id
	AccessToken       string           `json:"-"`                 // encrypted
	RefreshToken      string           `json:"-"`                 // encrypted, nullable
	TokenExpiry       *time.Time       `json:"token_expiry,omitempty"`
	Scopes            []string         `json:"scopes"`
	ConnectionStatus  ConnectionStatus `json:"connection_status"`
	IsActive          bool             `json:"is_active"`
	LastConnectedAt   *time.Time       `json:"last_connected_at,omitempty"`
	LastError         *string          `json:"last_error,omitempty"`
	LastErrorAt       *time.Time       `json:"last_error_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// IntegrationKey identifies the row an upsert resolves to. Slack workspaces
// may be connected at both the IMO level and an agency level, so the team id
// and agency id participate in the scope for that provider.
type IntegrationKey struct {
	ImoID             string
	Provider          string
	ProviderAccountID string
	TeamID            string
	AgencyID          *string
}

// IntegrationRepository manages integration rows.
//
// Upsert must be idempotent: invoking it twice for the same key results in
// exactly one row, the second call updating the first.
type IntegrationRepository interface {
	GetByKey(ctx context.Context, key IntegrationKey) (*Integration, error)
	GetByID(ctx context.Context, id string) (*Integration, error)
	ListByUser(ctx context.Context, imoID, userID string) ([]Integration, error)
	CountActive(ctx context.Context, imoID, provider string) (int, error)
	ListExpiring(ctx context.Context, within time.Duration) ([]Integration, error)
	Upsert(ctx context.Context, integration *Integration) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry *time.Time) error
	MarkError(ctx context.Context, id, message string) error
	Deactivate(ctx context.Context, id string) error
}
