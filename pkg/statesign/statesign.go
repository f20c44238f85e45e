// Package statesign produces and verifies the opaque state tokens that carry
// request context across third-party OAuth redirects.
package statesign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
)

// SigningConfig holds the server-side secret used to sign state tokens.
type SigningConfig struct {
	Secret string
}

// Signer signs and verifies state tokens. A Signer is safe for concurrent use.
type Signer struct {
	secret []byte
}

// ErrMissingSecret is returned by New when no signing secret is configured.
// This is a deployment problem, not a per-request one, so it surfaces at
// construction time instead of on first Sign call.
var ErrMissingSecret = errors.New("statesign: signing secret not configured")

// New creates a Signer from the given configuration.
func New(cfg SigningConfig) (*Signer, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	return &Signer{secret: []byte(cfg.Secret)}, nil
}

// Sign computes hex(HMAC-SHA256(payload)) with the server secret.
// Deterministic for identical inputs.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)

	return hex.EncodeToString(mac.Sum(nil))
}

// CreateSignedState JSON-serializes payload, base64-encodes it, and appends
// the signature: "base64(json) . hex(hmac)".
func (s *Signer) CreateSignedState(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	encoded := base64.StdEncoding.EncodeToString(raw)

	return encoded + "." + s.Sign([]byte(encoded)), nil
}

// ParseSignedState verifies token and decodes its payload into out.
// It fails closed: any malformed shape, signature mismatch, or decode error
// returns false with no indication of which check failed.
func (s *Signer) ParseSignedState(token string, out any) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return false
	}

	encoded, gotSig := parts[0], parts[1]

	wantSig := s.Sign([]byte(encoded))
	// hmac.Equal is constant time; unequal lengths are an immediate reject.
	if !hmac.Equal([]byte(wantSig), []byte(gotSig)) {
		return false
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return false
	}

	return true
}
