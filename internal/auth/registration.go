package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/store"
)

const (
	// registrationWindow and registrationMaxPerWindow rate limit the
	// unauthenticated registration endpoint.
	registrationWindow       = time.Minute
	registrationMaxPerWindow = 10

	// clientIDBytes is the number of random bytes in a client_id.
	clientIDBytes = 16

	maxRequestBody = 64 * 1024
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName   string   `json:"client_name,omitempty"`
	RedirectURIs []string `json:"redirect_uris"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// registrationLimiter rate limits registrations with a sliding window.
type registrationLimiter struct {
	mu    sync.Mutex
	times []time.Time
}

// allow reports whether a new registration fits in the window, and
// records it if so.
func (rl *registrationLimiter) allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-registrationWindow)

	recent := rl.times[:0]
	for _, t := range rl.times {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	rl.times = recent

	if len(rl.times) >= registrationMaxPerWindow {
		return false
	}

	rl.times = append(rl.times, now)
	return true
}

// validRedirectURIs reports whether the list is non-empty and every URI
// in it is absolute. Relative URIs cannot safely receive authorization
// codes.
func validRedirectURIs(uris []string) bool {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return false
		}
	}
	return len(uris) > 0
}

// HandleRegistration returns the /oauth/register handler.
func HandleRegistration(s store.Store, logger *slog.Logger) http.HandlerFunc {
	limiter := &registrationLimiter{}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if !validRedirectURIs(req.RedirectURIs) {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "redirect_uris must be a non-empty list of absolute URIs")
			return
		}

		if !limiter.allow() {
			http.Error(w, "too many registrations, try again later", http.StatusTooManyRequests)
			return
		}

		client := &store.Client{
			ClientID:     RandomHex(clientIDBytes),
			ClientName:   req.ClientName,
			RedirectURIs: req.RedirectURIs,
			CreatedAt:    time.Now(),
		}

		ok, err := s.PutClient(client)
		if err != nil {
			logger.Error("storing client registration", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "server_error", "registration temporarily unavailable")

			return
		}
		if !ok {
			logger.Warn("client registration rejected, cap reached")
			http.Error(w, "registration closed", http.StatusTooManyRequests)

			return
		}

		logger.Info("client registered",
			slog.String("client_id", client.ClientID),
			slog.String("client_name", client.ClientName),
		)

		resp := registrationResponse{
			ClientID:                client.ClientID,
			ClientName:              client.ClientName,
			RedirectURIs:            client.RedirectURIs,
			TokenEndpointAuthMethod: "none",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
