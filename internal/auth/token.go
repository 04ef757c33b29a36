package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/recallhq/recall/internal/recallerr"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken returns the /oauth/token handler. Both grants answer with
// the same response shape; all credential failures collapse to
// invalid_grant so the endpoint cannot be used as an oracle.
func HandleToken(ts *TokenService, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		// Support both form-encoded and JSON bodies; MCP clients vary.
		var req tokenRequest
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "application/json" {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
				return
			}
		} else {
			if err := r.ParseForm(); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
				return
			}
			req = tokenRequest{
				GrantType:    r.FormValue("grant_type"),
				Code:         r.FormValue("code"),
				CodeVerifier: r.FormValue("code_verifier"),
				ClientID:     r.FormValue("client_id"),
				RefreshToken: r.FormValue("refresh_token"),
			}
		}

		var (
			pair *TokenPair
			err  error
		)

		switch req.GrantType {
		case "authorization_code":
			if req.Code == "" || req.CodeVerifier == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "code and code_verifier are required")
				return
			}
			pair, err = ts.ExchangeCode(req.Code, req.CodeVerifier, req.ClientID)

		case "refresh_token":
			if req.RefreshToken == "" {
				writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
				return
			}
			pair, err = ts.RotateRefreshToken(req.RefreshToken)

		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "supported grant types: authorization_code, refresh_token")
			return
		}

		if err != nil {
			if errors.Is(err, recallerr.ErrInvalidGrant) {
				writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid, expired, or already used grant")
				return
			}

			logger.Error("token request failed", slog.String("grant_type", req.GrantType), slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		resp := tokenResponse{
			AccessToken:  pair.AccessToken,
			TokenType:    "Bearer",
			ExpiresIn:    pair.ExpiresIn,
			RefreshToken: pair.RefreshToken,
			Scope:        pair.Scope,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
