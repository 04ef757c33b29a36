package e2e_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/recallhq/recall/internal/access"
	"github.com/recallhq/recall/internal/auth"
	"github.com/recallhq/recall/internal/mcpserver"
	"github.com/recallhq/recall/internal/records"
	"github.com/recallhq/recall/internal/server"
	"github.com/recallhq/recall/internal/store"
)

const (
	testPassphrase = "correct horse battery staple"
	guardianSecret = "e2e-guardian-secret"
	codingSecret   = "e2e-coding-secret"
	healthSecret   = "e2e-health-secret"
	pkceVerifier   = "e2e-test-pkce-verifier-that-is-long-enough"
	redirectURI    = "http://127.0.0.1:19876/callback"
)

// harness holds the full e2e stack: a real HTTP server backed by the
// OAuth auth layer, the record store, and the MCP tool server.
type harness struct {
	URL     string
	Store   *store.BoltStore
	Records *records.Store
	Keys    *auth.APIKeyManager
	Client  *http.Client
}

func testAccessPolicy() access.Policy {
	return access.Policy{
		GuardianSecretHash: access.Hash(guardianSecret),
		CodingSecretHash:   access.Hash(codingSecret),
		Scopes: []access.ScopeSecret{
			{Name: "health", SecretHash: access.Hash(healthSecret)},
		},
	}
}

// newHarness opens temp auth and record stores, wires up the full
// OAuth + MCP HTTP stack via server.NewMux, and starts an httptest
// server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()

	authStore, err := store.OpenAt(filepath.Join(dir, "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { authStore.Close() })

	recordStore, err := records.Open(filepath.Join(dir, "recall.db"))
	require.NoError(t, err)
	t.Cleanup(func() { recordStore.Close() })

	logger := slog.New(slog.DiscardHandler)

	tokens := auth.NewTokenService(authStore, logger)
	keys := auth.NewAPIKeyManager(authStore, logger)
	gateway := auth.NewGateway(testAccessPolicy, logger)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "recall-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, gateway, recordStore)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	// Use NewUnstartedServer so we can read the listener address before
	// building the mux (the serverURL must match the issuer clients see).
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Store:          authStore,
		Tokens:         tokens,
		Keys:           keys,
		PassphraseHash: access.Hash(testPassphrase),
		ScopeNames:     []string{"health"},
		MCPHandler:     mcpHandler,
		Logger:         logger,
		ServerURL:      serverURL,
	})
	ts.Start()
	t.Cleanup(ts.Close)

	return &harness{
		URL:     serverURL,
		Store:   authStore,
		Records: recordStore,
		Keys:    keys,
		Client:  ts.Client(),
	}
}

// tokenResponse is the JSON body returned by POST /oauth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// registerDynamicClient registers a client via POST /oauth/register.
func (h *harness) registerDynamicClient(t *testing.T, redirectURIs []string) string {
	t.Helper()

	body := map[string][]string{"redirect_uris": redirectURIs}
	b, err := json.Marshal(body)
	require.NoError(t, err)

	resp := h.doPostJSON(t, "/oauth/register", b)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result struct {
		ClientID     string   `json:"client_id"`
		RedirectURIs []string `json:"redirect_uris"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEmpty(t, result.ClientID)

	return result.ClientID
}

// obtainCode runs the challenge page leg of the authorization flow:
// GET authorize (scrape CSRF), POST the passphrase, and return the code
// from the redirect.
func (h *harness) obtainCode(t *testing.T, clientID string) string {
	t.Helper()

	challenge := pkceChallenge(pkceVerifier)

	authURL := h.URL + "/oauth/authorize?" + url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
	}.Encode()

	resp := h.doGet(t, authURL)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	csrf := extractCSRF(t, string(bodyBytes))

	form := url.Values{
		"passphrase":            {testPassphrase},
		"csrf_token":            {csrf},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"e2e-state"},
	}

	postResp := h.doPostFormNoRedirect(t, "/oauth/authorize", form)
	defer postResp.Body.Close()

	require.Equal(t, http.StatusFound, postResp.StatusCode)

	loc := postResp.Header.Get("Location")
	require.NotEmpty(t, loc)

	locURL, err := url.Parse(loc)
	require.NoError(t, err)

	require.Equal(t, "e2e-state", locURL.Query().Get("state"))
	require.Equal(t, h.URL, locURL.Query().Get("iss"))

	code := locURL.Query().Get("code")
	require.NotEmpty(t, code, "authorization code missing from redirect")

	return code
}

// exchangeCode posts the code to the token endpoint and returns the raw
// response without asserting on the status.
func (h *harness) exchangeCode(t *testing.T, clientID, code string) *http.Response {
	t.Helper()

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {clientID},
		"code_verifier": {pkceVerifier},
	}

	return h.doPostForm(t, "/oauth/token", form)
}

// authCodeFlow performs the full authorization code + PKCE flow with a
// freshly registered dynamic client.
func (h *harness) authCodeFlow(t *testing.T) (clientID string, tr tokenResponse) {
	t.Helper()

	clientID = h.registerDynamicClient(t, []string{redirectURI})
	code := h.obtainCode(t, clientID)

	resp := h.exchangeCode(t, clientID, code)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))

	return clientID, tr
}

// refreshToken exchanges a refresh token, returning the raw response.
func (h *harness) refreshToken(t *testing.T, clientID, refresh string) *http.Response {
	t.Helper()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {clientID},
	}

	return h.doPostForm(t, "/oauth/token", form)
}

// mcpSession creates an MCP client session authenticated with the given
// bearer credential (access token or API key). Uses the MCP SDK's
// StreamableClientTransport with a custom RoundTripper that injects the
// Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostForm performs a POST with form-encoded body and t.Context().
func (h *harness) doPostForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), "POST", h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostFormNoRedirect performs a form POST that does not follow redirects.
func (h *harness) doPostFormNoRedirect(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	noRedirect := *h.Client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	req, err := http.NewRequestWithContext(
		t.Context(), "POST", h.URL+path,
		bytes.NewBufferString(form.Encode()),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := noRedirect.Do(req)
	require.NoError(t, err)

	return resp
}

// doPostJSON performs a POST with JSON body and t.Context().
func (h *harness) doPostJSON(t *testing.T, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(
		t.Context(), "POST", h.URL+path,
		bytes.NewReader(body),
	)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// extractCSRF scrapes the CSRF token from the authorize HTML form.
func extractCSRF(t *testing.T, body string) string {
	t.Helper()

	re := regexp.MustCompile(`name="csrf_token" value="([a-f0-9]+)"`)
	matches := re.FindStringSubmatch(body)
	require.Len(t, matches, 2, "CSRF token not found in form HTML")

	return matches[1]
}
