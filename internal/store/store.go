// Package store persists all authorization state: registered OAuth
// clients, single-use authorization codes, token rows, and API keys.
// Only digests of credentials are ever written; raw tokens and keys
// exist in memory at issuance and are otherwise unrecoverable.
//
// Consumption of codes and refresh tokens happens inside a single
// write transaction, so two concurrent attempts on the same row race
// safely: exactly one observes the row, the other observes absence.
package store

import "time"

// Client is a dynamically registered OAuth client. Clients are created
// once and never mutated.
type Client struct {
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthCode is a pending authorization code bound to a PKCE challenge.
// Used transitions false to true exactly once; a code read after that,
// or past its expiry, is treated as absent.
type AuthCode struct {
	Code          string    `json:"code"`
	ClientID      string    `json:"client_id"`
	RedirectURI   string    `json:"redirect_uri"`
	CodeChallenge string    `json:"code_challenge"`
	Scope         string    `json:"scope,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	Used          bool      `json:"used"`
}

// Token types.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Token is a persisted token row. TokenHash is the SHA-256 hex digest of
// the raw token, which doubles as the storage key.
type Token struct {
	TokenHash string    `json:"token_hash"`
	ClientID  string    `json:"client_id"`
	Type      string    `json:"type"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey is persisted API key metadata. The raw key is shown once at
// creation; only KeyHash survives.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"key_hash"`
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store is the durable authorization store. Lookups return nil (or
// false) for absent rows rather than errors, so callers cannot tell a
// missing credential from a consumed or expired one.
type Store interface {
	// Clients.
	PutClient(c *Client) (bool, error)
	GetClient(clientID string) (*Client, error)

	// Authorization codes.
	SaveCode(ac *AuthCode) error
	// ConsumeCode atomically marks the code used and returns it.
	// Absent, already used, and expired codes are indistinguishable.
	ConsumeCode(code string) (*AuthCode, error)

	// Tokens.
	SaveToken(tok *Token) error
	GetAccessToken(tokenHash string) (*Token, error)
	// ConsumeRefreshToken atomically revokes a live refresh row and
	// returns it. Revoked, expired, and unknown hashes all return nil.
	ConsumeRefreshToken(tokenHash string) (*Token, error)

	// API keys.
	PutAPIKey(k *APIKey) error
	GetAPIKeyByHash(keyHash string) (*APIKey, error)
	TouchAPIKey(id string, when time.Time) error
	// RevokeAPIKey reports whether a live key was revoked. Revoking an
	// already revoked or unknown id returns false without error.
	RevokeAPIKey(id string) (bool, error)
	ListAPIKeys() ([]*APIKey, error)

	Close() error
}
