package oauthflow

import (
	"time"
)

// State expiry windows. Redirect flows are short; the Unipile hosted flow
// may sit on the third-party consent screen much longer before the webhook
// arrives.
const (
	RedirectStateTTL = 10 * time.Minute
	WebhookStateTTL  = 60 * time.Minute
)

// StatePayload is the request context carried across the external redirect.
// It is never persisted; the signature makes it tamper-evident and the
// timestamp bounds replay.
type StatePayload struct {
	ImoID       string  `json:"imoId"`
	UserID      string  `json:"userId"`
	AgencyID    *string `json:"agencyId"`
	Timestamp   int64   `json:"timestamp"` // unix milliseconds
	ReturnURL   string  `json:"returnUrl,omitempty"`
	AccountType string  `json:"accountType,omitempty"` // Unipile only
}

// NewStatePayload stamps a payload with the current instant.
func NewStatePayload(imoID, userID string, agencyID *string, returnURL string) StatePayload {
	return StatePayload{
		ImoID:     imoID,
		UserID:    userID,
		AgencyID:  agencyID,
		Timestamp: time.Now().UnixMilli(),
		ReturnURL: returnURL,
	}
}

// ExpiredAt reports whether the payload is older than ttl at instant now.
// Expiry is checked by callback handlers, not by the signer: a token with a
// valid signature but a stale timestamp is still rejected.
func (p StatePayload) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-p.Timestamp > ttl.Milliseconds()
}
