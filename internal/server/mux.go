// Package server provides HTTP server construction for recall-mcp.
package server

import (
	"log/slog"
	"net/http"

	"github.com/recallhq/recall/internal/auth"
	"github.com/recallhq/recall/internal/store"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Store          store.Store
	Tokens         *auth.TokenService
	Keys           *auth.APIKeyManager
	PassphraseHash string
	ScopeNames     []string
	MCPHandler     http.Handler
	Logger         *slog.Logger
	ServerURL      string
}

// NewMux builds the HTTP mux with OAuth discovery, registration,
// authorization, token, and MCP endpoints. The MCP endpoint is
// protected by Bearer admission middleware accepting both OAuth access
// tokens and API keys.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata(cfg.ServerURL, cfg.ScopeNames))
	mux.HandleFunc("/.well-known/oauth-authorization-server", auth.HandleServerMetadata(cfg.ServerURL, cfg.ScopeNames))
	mux.HandleFunc("/oauth/register", auth.HandleRegistration(cfg.Store, cfg.Logger))
	mux.HandleFunc("/oauth/authorize", auth.HandleAuthorize(auth.AuthorizeConfig{
		Store:          cfg.Store,
		PassphraseHash: cfg.PassphraseHash,
		Logger:         cfg.Logger,
		ServerURL:      cfg.ServerURL,
	}))
	mux.HandleFunc("/oauth/token", auth.HandleToken(cfg.Tokens, cfg.Logger))

	admit := auth.Middleware(cfg.Keys, cfg.Tokens, cfg.Logger, cfg.ServerURL)
	mux.Handle("/mcp", admit(cfg.MCPHandler))

	return mux
}
