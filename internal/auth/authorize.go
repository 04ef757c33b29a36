package auth

import (
	"crypto/subtle"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/store"
)

const (
	codeExpiry = 5 * time.Minute

	csrfExpiry     = 10 * time.Minute
	csrfTokenBytes = 16

	rateLimitWindow  = 5 * time.Minute
	rateLimitMaxFail = 10

	// rateLimitPruneThreshold is the number of tracked IPs above which
	// the rate limiter prunes expired entries to prevent unbounded growth.
	rateLimitPruneThreshold = 1000
)

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// challengePage renders the OAuth passphrase form. The csrf_token
// hidden field prevents cross-site form submission.
var challengePage = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>recall</title>
<style>
  *, *::before, *::after { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, Helvetica, Arial, sans-serif;
    background: #f5f5f5;
    color: #1a1a1a;
    display: flex;
    align-items: center;
    justify-content: center;
    min-height: 100vh;
  }
  .card {
    background: #fff;
    border: 1px solid #e0e0e0;
    border-radius: 8px;
    padding: 2.5rem 2rem;
    width: 100%;
    max-width: 380px;
    box-shadow: 0 1px 3px rgba(0,0,0,0.06);
  }
  .card h1 { font-size: 1.25rem; font-weight: 600; margin-bottom: 0.25rem; }
  .card p.sub { font-size: 0.85rem; color: #666; margin-bottom: 1.5rem; }
  .consent {
    background: #f8f9fa;
    border: 1px solid #e0e0e0;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  .consent .redirect { color: #666; word-break: break-all; }
  .error {
    background: #fef2f2;
    color: #991b1b;
    border: 1px solid #fecaca;
    border-radius: 6px;
    padding: 0.6rem 0.75rem;
    font-size: 0.85rem;
    margin-bottom: 1rem;
  }
  label { display: block; font-size: 0.85rem; font-weight: 500; margin-bottom: 0.35rem; color: #333; }
  input[type="password"] {
    width: 100%;
    padding: 0.55rem 0.7rem;
    border: 1px solid #d0d0d0;
    border-radius: 6px;
    font-size: 0.9rem;
    outline: none;
    margin-bottom: 1rem;
  }
  button {
    width: 100%;
    padding: 0.6rem;
    background: #1a1a1a;
    color: #fff;
    border: none;
    border-radius: 6px;
    font-size: 0.9rem;
    font-weight: 500;
    cursor: pointer;
  }
  button:hover { background: #333; }
</style>
</head>
<body>
<div class="card">
  <h1>recall</h1>
  <p class="sub">Enter your passphrase to authorize access to your records.</p>
  <div class="consent">
    <p><strong>{{if .ClientName}}{{.ClientName}}{{else}}{{.ClientID}}{{end}}</strong> is requesting access.</p>
    {{if .RedirectURI}}<p class="redirect">You will be redirected to: <code>{{.RedirectURI}}</code></p>{{end}}
  </div>
  {{if .Error}}<div class="error">{{.Error}}</div>{{end}}
  <form method="POST">
    <input type="hidden" name="csrf_token" value="{{.CSRFToken}}">
    <input type="hidden" name="client_id" value="{{.ClientID}}">
    <input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
    <input type="hidden" name="state" value="{{.State}}">
    <input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
    <input type="hidden" name="code_challenge_method" value="S256">
    <input type="hidden" name="scope" value="{{.Scope}}">
    <label for="passphrase">Passphrase</label>
    <input type="password" id="passphrase" name="passphrase" autocomplete="current-password" required autofocus>
    <button type="submit">Authorize</button>
  </form>
</div>
</body>
</html>`))

type challengeData struct {
	CSRFToken     string
	ClientID      string
	ClientName    string
	RedirectURI   string
	State         string
	CodeChallenge string
	Scope         string
	Error         string
}

// csrfStore holds in-memory CSRF tokens bound to the OAuth parameters
// they were issued for. CSRF tokens are ephemeral; losing them on
// restart only forces the user to reload the form.
type csrfStore struct {
	mu     sync.Mutex
	tokens map[string]csrfEntry
}

type csrfEntry struct {
	clientID    string
	redirectURI string
	expiresAt   time.Time
}

func newCSRFStore() *csrfStore {
	return &csrfStore{tokens: make(map[string]csrfEntry)}
}

// issue creates a token bound to (clientID, redirectURI).
func (cs *csrfStore) issue(clientID, redirectURI string) string {
	token := RandomHex(csrfTokenBytes)

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	for k, e := range cs.tokens {
		if now.After(e.expiresAt) {
			delete(cs.tokens, k)
		}
	}

	cs.tokens[token] = csrfEntry{
		clientID:    clientID,
		redirectURI: redirectURI,
		expiresAt:   now.Add(csrfExpiry),
	}

	return token
}

// consume deletes the token and reports whether it was live and bound
// to the same parameters.
func (cs *csrfStore) consume(token, clientID, redirectURI string) bool {
	if token == "" {
		return false
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	e, ok := cs.tokens[token]
	if !ok {
		return false
	}
	delete(cs.tokens, token)

	return time.Now().Before(e.expiresAt) && e.clientID == clientID && e.redirectURI == redirectURI
}

// passphraseRateLimiter tracks failed passphrase attempts per IP with a
// sliding window. After rateLimitMaxFail failures within the window,
// further attempts are rejected until the window expires.
type passphraseRateLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
}

func newPassphraseRateLimiter() *passphraseRateLimiter {
	return &passphraseRateLimiter{failures: make(map[string][]time.Time)}
}

// limited reports whether the IP is currently rate-limited.
func (rl *passphraseRateLimiter) limited(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateLimitWindow)

	// Prevent unbounded growth from many distinct source IPs.
	if len(rl.failures) > rateLimitPruneThreshold {
		for k, times := range rl.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(rl.failures, k)
			}
		}
	}

	recent := rl.failures[ip][:0]
	for _, t := range rl.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(rl.failures, ip)
	} else {
		rl.failures[ip] = recent
	}

	return len(recent) >= rateLimitMaxFail
}

// record adds a failed attempt for the IP.
func (rl *passphraseRateLimiter) record(ip string) {
	rl.mu.Lock()
	rl.failures[ip] = append(rl.failures[ip], time.Now())
	rl.mu.Unlock()
}

// redirectURIRegistered reports whether redirectURI is a member of the
// client's registered set. Exact string match only; registration
// already required every member to be absolute.
func redirectURIRegistered(client *store.Client, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}
	}
	return false
}

// AuthorizeConfig holds the dependencies of the authorize endpoint.
// PassphraseHash is the externally configured SHA-256 hex digest of the
// OAuth passphrase; the raw passphrase is never configured or stored.
type AuthorizeConfig struct {
	Store          store.Store
	PassphraseHash string
	Logger         *slog.Logger
	ServerURL      string
}

// HandleAuthorize returns the /oauth/authorize handler. GET validates
// the request and renders the passphrase challenge; POST checks the
// passphrase and redirects back to the client with a single-use code.
func HandleAuthorize(cfg AuthorizeConfig) http.HandlerFunc {
	csrf := newCSRFStore()
	limiter := newPassphraseRateLimiter()

	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleAuthorizeGET(w, r, cfg, csrf)
		case http.MethodPost:
			handleAuthorizePOST(w, r, cfg, csrf, limiter)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

// validateAuthorizeParams checks the OAuth parameters shared by GET and
// POST. Order matters: the challenge method is checked before the
// client so a bad PKCE request never reaches a redirect, then the
// client, then membership of the redirect URI in its registered set.
func validateAuthorizeParams(w http.ResponseWriter, cfg AuthorizeConfig, clientID, redirectURI, codeChallenge, method string) (*store.Client, bool) {
	if codeChallenge == "" || method != "S256" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code_challenge with S256 method is required (PKCE)")
		return nil, false
	}

	client, err := cfg.Store.GetClient(clientID)
	if err != nil {
		cfg.Logger.Error("client lookup failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return nil, false
	}

	if client == nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return nil, false
	}

	if !redirectURIRegistered(client, redirectURI) {
		writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri not registered for this client")
		return nil, false
	}

	return client, true
}

func handleAuthorizeGET(w http.ResponseWriter, r *http.Request, cfg AuthorizeConfig, csrf *csrfStore) {
	q := r.URL.Query()

	if rt := q.Get("response_type"); rt != "code" {
		errCode := "unsupported_response_type"
		if rt == "" {
			errCode = "invalid_request"
		}

		writeJSONError(w, http.StatusBadRequest, errCode, "response_type must be \"code\"")

		return
	}

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	client, ok := validateAuthorizeParams(w, cfg, clientID, redirectURI, q.Get("code_challenge"), q.Get("code_challenge_method"))
	if !ok {
		return
	}

	data := challengeData{
		CSRFToken:     csrf.issue(clientID, redirectURI),
		ClientID:      clientID,
		ClientName:    client.ClientName,
		RedirectURI:   redirectURI,
		State:         q.Get("state"),
		CodeChallenge: q.Get("code_challenge"),
		Scope:         q.Get("scope"),
	}

	renderChallenge(w, http.StatusOK, data)
}

func handleAuthorizePOST(w http.ResponseWriter, r *http.Request, cfg AuthorizeConfig, csrf *csrfStore, limiter *passphraseRateLimiter) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return
	}

	clientID := r.FormValue("client_id")
	redirectURI := r.FormValue("redirect_uri")
	state := r.FormValue("state")
	codeChallenge := r.FormValue("code_challenge")
	scope := r.FormValue("scope")

	client, ok := validateAuthorizeParams(w, cfg, clientID, redirectURI, codeChallenge, r.FormValue("code_challenge_method"))
	if !ok {
		return
	}

	// Rate limiting by remote IP. Checked before consuming CSRF so a
	// rate-limited request does not destroy the user's CSRF token.
	ip := remoteIP(r)
	if limiter.limited(ip) {
		cfg.Logger.Warn("passphrase attempts rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed attempts, try again later", http.StatusTooManyRequests)

		return
	}

	// A failed CSRF check may indicate a cross-site attack, so return a
	// plain error rather than redirecting to the client.
	if !csrf.consume(r.FormValue("csrf_token"), clientID, redirectURI) {
		http.Error(w, "invalid or expired CSRF token", http.StatusForbidden)
		return
	}

	// Both sides are fixed-length SHA-256 hex digests, so the
	// comparison leaks neither content nor length.
	presented := access.Hash(r.FormValue("passphrase"))
	if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.PassphraseHash)) != 1 {
		cfg.Logger.Warn("passphrase rejected", slog.String("ip", ip), slog.String("client_id", clientID))
		limiter.record(ip)

		data := challengeData{
			CSRFToken:     csrf.issue(clientID, redirectURI),
			ClientID:      clientID,
			ClientName:    client.ClientName,
			RedirectURI:   redirectURI,
			State:         state,
			CodeChallenge: codeChallenge,
			Scope:         scope,
			Error:         "Invalid passphrase",
		}

		renderChallenge(w, http.StatusUnauthorized, data)

		return
	}

	code := RandomHex(tokenBytes)
	err := cfg.Store.SaveCode(&store.AuthCode{
		Code:          code,
		ClientID:      clientID,
		RedirectURI:   redirectURI,
		CodeChallenge: codeChallenge,
		Scope:         scope,
		ExpiresAt:     time.Now().Add(codeExpiry),
	})
	if err != nil {
		cfg.Logger.Error("saving authorization code failed", slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	cfg.Logger.Info("authorization granted", slog.String("client_id", clientID))

	// Build the redirect with proper encoding, retaining any query
	// component the redirect URI already carries (RFC 6749 4.1.2).
	params := url.Values{}
	params.Set("code", code)

	if state != "" {
		params.Set("state", state)
	}

	// RFC 9207: include the issuer identifier to prevent mix-up attacks.
	if cfg.ServerURL != "" {
		params.Set("iss", cfg.ServerURL)
	}

	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	http.Redirect(w, r, redirectURI+sep+params.Encode(), http.StatusFound)
}

func renderChallenge(w http.ResponseWriter, status int, data challengeData) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_ = challengePage.Execute(w, data)
}
