// Package oauthflow implements the signed OAuth handshake shared by the
// Slack, Gmail, Instagram and LinkedIn (Unipile hosted-auth) integrations.
//
// Redirect-style providers run through CallbackPipeline: verify state,
// exchange the code, fetch the profile, persist the integration, redirect.
// The Unipile webhook variant runs through AccountLinkPipeline, which shares
// only the state verification and persistence steps.
package oauthflow

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Failure reason codes. Every terminal exit from a callback carries exactly
// one of these so the client can render a message without parsing prose.
const (
	ReasonConfig         = "config"
	ReasonMissingParams  = "missing_params"
	ReasonInvalidState   = "invalid_state"
	ReasonExpired        = "expired"
	ReasonTokenExchange  = "token_exchange"
	ReasonNoRefreshToken = "no_refresh_token"
	ReasonProfileFetch   = "profile_fetch"
	ReasonMissingID      = "missing_id"
	ReasonSaveFailed     = "save_failed"
	ReasonUnexpected     = "unexpected"
)

// FlowError pairs a machine-parseable reason code with the underlying cause.
// The cause is logged server-side only; it never reaches a redirect URL.
type FlowError struct {
	Reason string
	Err    error
}

func (e *FlowError) Error() string {
	if e.Err == nil {
		return e.Reason
	}

	return e.Reason + ": " + e.Err.Error()
}

func (e *FlowError) Unwrap() error { return e.Err }

func flowErr(reason string, err error) *FlowError {
	return &FlowError{Reason: reason, Err: err}
}

func flowErrf(reason, format string, args ...any) *FlowError {
	return &FlowError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Token is the result of a successful code exchange.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       *time.Time
	Scopes       []string
}

// Profile identifies the connected account. AccountID is the stable key the
// integration row is scoped on; the rest is display metadata.
type Profile struct {
	AccountID   string
	DisplayName string
	Handle      string
	AvatarURL   string
	TeamID      string
	TeamName    string
}

// failureURL builds "{returnURL}?{provider}=error&reason={code}".
func failureURL(returnURL, provider, reason string) string {
	return callbackURL(returnURL, provider, "error", "reason", reason)
}

// successURL builds "{returnURL}?{provider}=success&account={label}".
func successURL(returnURL, provider, accountLabel string) string {
	return callbackURL(returnURL, provider, "success", "account", accountLabel)
}

func callbackURL(returnURL, provider, result, extraKey, extraValue string) string {
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}

	return returnURL + sep + provider + "=" + result + "&" + extraKey + "=" + url.QueryEscape(extraValue)
}

// absoluteReturnURL resolves a relative return URL against the app URL.
// An empty return URL falls back to the app's integrations page.
func absoluteReturnURL(appURL, returnURL, fallbackPath string) string {
	if returnURL == "" {
		return appURL + fallbackPath
	}

	if strings.HasPrefix(returnURL, "/") {
		return appURL + returnURL
	}

	return returnURL
}
