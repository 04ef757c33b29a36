// Package auth implements the OAuth 2.1 authorization server and the
// bearer admission path for the Recall MCP server. All authorization
// state lives in the durable store; the process itself is stateless and
// safely restartable.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/recallerr"
	"github.com/recallhq/recall/internal/store"
)

const (
	accessTokenTTL  = time.Hour
	refreshTokenTTL = 30 * 24 * time.Hour

	// tokenBytes is the number of random bytes in a token or
	// authorization code (hex-encoded to twice this length).
	tokenBytes = 32
)

// RandomHex generates a cryptographically random hex string of the given
// byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// S256Challenge computes the PKCE S256 transform of a code verifier.
func S256Challenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// TokenPair is the raw token pair returned to a client exactly once.
// Only hashes are persisted.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	Scope        string
}

// TokenService issues, validates, and rotates tokens against the
// durable store.
type TokenService struct {
	store  store.Store
	logger *slog.Logger
}

// NewTokenService creates a TokenService over the given store.
func NewTokenService(s store.Store, logger *slog.Logger) *TokenService {
	return &TokenService{store: s, logger: logger}
}

// ExchangeCode redeems an authorization code for a fresh token pair.
// The code is consumed first, so a failed PKCE check still burns it;
// the client must re-authorize, never retry. Every failure collapses
// to recallerr.ErrInvalidGrant.
func (ts *TokenService) ExchangeCode(code, codeVerifier, clientIDHint string) (*TokenPair, error) {
	ac, err := ts.store.ConsumeCode(code)
	if err != nil {
		return nil, fmt.Errorf("consuming code: %w", err)
	}

	if ac == nil {
		return nil, recallerr.ErrInvalidGrant
	}

	if clientIDHint != "" && clientIDHint != ac.ClientID {
		ts.logger.Warn("code exchange client mismatch", slog.String("client_id", clientIDHint))
		return nil, recallerr.ErrInvalidGrant
	}

	computed := S256Challenge(codeVerifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(ac.CodeChallenge)) != 1 {
		ts.logger.Warn("PKCE verification failed", slog.String("client_id", ac.ClientID))
		return nil, recallerr.ErrInvalidGrant
	}

	return ts.mintPair(ac.ClientID, ac.Scope)
}

// ValidateAccessToken reports whether a raw bearer token corresponds to
// a live, unexpired access token.
func (ts *TokenService) ValidateAccessToken(raw string) bool {
	tok, err := ts.store.GetAccessToken(access.Hash(raw))
	if err != nil {
		ts.logger.Error("access token lookup failed", slog.String("error", err.Error()))
		return false
	}

	return tok != nil && time.Now().Before(tok.ExpiresAt)
}

// RotateRefreshToken consumes a raw refresh token and mints a
// replacement pair through the same routine as ExchangeCode. The
// consumed token is revoked atomically, so a second rotation attempt
// with the same raw token fails with recallerr.ErrInvalidGrant.
func (ts *TokenService) RotateRefreshToken(raw string) (*TokenPair, error) {
	tok, err := ts.store.ConsumeRefreshToken(access.Hash(raw))
	if err != nil {
		return nil, fmt.Errorf("consuming refresh token: %w", err)
	}

	if tok == nil {
		return nil, recallerr.ErrInvalidGrant
	}

	return ts.mintPair(tok.ClientID, tok.Scope)
}

// mintPair issues a fresh access and refresh token for a client,
// persisting only their hashes.
func (ts *TokenService) mintPair(clientID, scope string) (*TokenPair, error) {
	now := time.Now()

	accessRaw := RandomHex(tokenBytes)
	refreshRaw := RandomHex(tokenBytes)

	err := ts.store.SaveToken(&store.Token{
		TokenHash: access.Hash(accessRaw),
		ClientID:  clientID,
		Type:      store.TokenTypeAccess,
		Scope:     scope,
		ExpiresAt: now.Add(accessTokenTTL),
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("saving access token: %w", err)
	}

	err = ts.store.SaveToken(&store.Token{
		TokenHash: access.Hash(refreshRaw),
		ClientID:  clientID,
		Type:      store.TokenTypeRefresh,
		Scope:     scope,
		ExpiresAt: now.Add(refreshTokenTTL),
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("saving refresh token: %w", err)
	}

	ts.logger.Debug("token pair minted", slog.String("client_id", clientID))

	return &TokenPair{
		AccessToken:  accessRaw,
		RefreshToken: refreshRaw,
		ExpiresIn:    int(accessTokenTTL.Seconds()),
		Scope:        scope,
	}, nil
}
