package config

import (
	"context"
	"fmt"
)

// ProviderCredentials holds the OAuth application credentials for one
// provider. ClientSecret is only used by callback handlers; initiators
// never embed it in a URL.
type ProviderCredentials struct {
	ClientID     string
	ClientSecret string
}

// Resolved reports whether the credentials are usable.
func (c ProviderCredentials) Resolved() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// UnipileCredentials holds the hosted-auth service credentials. Unipile does
// not use a client id/secret pair; it uses an API key plus a data-source name.
type UnipileCredentials struct {
	APIKey string
	DSN    string
}

// Resolved reports whether the credentials are usable.
func (c UnipileCredentials) Resolved() bool {
	return c.APIKey != "" && c.DSN != ""
}

// ProviderCredentials resolves OAuth app credentials for a provider, checking
// IMO-scoped configuration first and falling back to the process-wide keys.
// Environment variables override both (see envOverride): the global key
// integrations.slack.client_id maps to INTEGRATIONS_SLACK_CLIENT_ID.
//
// Missing credentials are not an error here; callers treat an unresolved
// result as a routine needs-configuration condition.
func (s *Service) ProviderCredentials(ctx context.Context, imoID, provider string) (ProviderCredentials, error) {
	var creds ProviderCredentials

	for _, prefix := range credentialPrefixes(imoID, provider) {
		id, err := s.GetString(ctx, prefix+".client_id", "")
		if err != nil {
			return ProviderCredentials{}, err
		}

		secret, err := s.GetString(ctx, prefix+".client_secret", "")
		if err != nil {
			return ProviderCredentials{}, err
		}

		if id != "" && secret != "" {
			creds.ClientID = id
			creds.ClientSecret = secret

			break
		}
	}

	return creds, nil
}

// UnipileCredentials resolves the Unipile hosted-auth credentials with the
// same IMO-then-global fallback as ProviderCredentials.
func (s *Service) UnipileCredentials(ctx context.Context, imoID string) (UnipileCredentials, error) {
	var creds UnipileCredentials

	for _, prefix := range credentialPrefixes(imoID, "unipile") {
		key, err := s.GetString(ctx, prefix+".api_key", "")
		if err != nil {
			return UnipileCredentials{}, err
		}

		dsn, err := s.GetString(ctx, prefix+".dsn", "")
		if err != nil {
			return UnipileCredentials{}, err
		}

		if key != "" && dsn != "" {
			creds.APIKey = key
			creds.DSN = dsn

			break
		}
	}

	return creds, nil
}

func credentialPrefixes(imoID, provider string) []string {
	prefixes := make([]string, 0, 2)
	if imoID != "" {
		prefixes = append(prefixes, fmt.Sprintf("integrations.%s.%s", imoID, provider))
	}

	return append(prefixes, "integrations."+provider)
}
