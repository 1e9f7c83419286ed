package gateway

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quijadajose/keycloak-sso-fullstack-demo/trust"
)

func newTestApp(t *testing.T, stub *stubExchanger) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()

	cfg := Config{}
	cfg.Provider.IssuerURI = "https://idp.test/realms/demo"
	cfg.Provider.ClientID = "spa-gateway"
	cfg.SPA.BaseURL = "https://spa.test"
	cfg.SPA.CallbackPath = "/auth-callback"
	cfg.Cookies.VerifierTTL = 5 * time.Minute
	cfg.Rules = []AccessRule{{Pattern: "/api/users/admin-data", Roles: []string{"ROLE_admin"}}}
	cfg.Server.DevMode = true

	return &App{
		Config:  cfg,
		Logger:  logger,
		Auth:    NewAuthService(stub, logger),
		Cookies: NewCodec(""),
		Resolver: trust.NewResolver(trust.ResolverConfig{
			Issuers: []string{cfg.Provider.IssuerURI},
			Logger:  logger,
			Metrics: registry,
		}),
		Metrics:  NewMetrics(registry),
		Registry: registry,
	}
}

func findCookie(t *testing.T, resp *http.Response, name string) *http.Cookie {
	t.Helper()
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestLoginSetsVerifierCookieAndRedirects(t *testing.T) {
	stub := &stubExchanger{}
	app := newTestApp(t, stub)
	srv := app.Routes()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	resp := rec.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}

	c := findCookie(t, resp, VerifierCookie)
	if c == nil {
		t.Fatalf("verifier cookie not set")
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteNoneMode {
		t.Fatalf("verifier cookie attributes: %+v", c)
	}

	// The challenge in the redirect must be the S256 digest of the verifier
	// parked in the cookie, or the exchange will be refused later.
	verifier, state, ok := decodeFlowSecret(c.Value)
	if !ok {
		t.Fatalf("cookie %q is not a flow secret", c.Value)
	}
	sum := sha256.Sum256([]byte(verifier))
	wantChallenge := base64.RawURLEncoding.EncodeToString(sum[:])

	loc := resp.Header.Get("Location")
	if !strings.Contains(loc, "code_challenge="+wantChallenge) {
		t.Errorf("redirect %q lacks challenge for stored verifier", loc)
	}
	if !strings.Contains(loc, "state="+state) {
		t.Errorf("redirect %q lacks stored state", loc)
	}
}

func TestCallbackHappyPath(t *testing.T) {
	stub := &stubExchanger{exchangeSet: TokenSet{
		AccessToken:      "at-1",
		RefreshToken:     "rt-1",
		AccessExpiresIn:  300,
		RefreshExpiresIn: 1800,
	}}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c1&state=abcd", nil)
	req.AddCookie(&http.Cookie{Name: VerifierCookie, Value: encodeFlowSecret("v1", "abcd")})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302, body %s", resp.StatusCode, rec.Body.String())
	}
	if loc := resp.Header.Get("Location"); loc != "https://spa.test/auth-callback" {
		t.Fatalf("redirect location = %q", loc)
	}

	if verifier := findCookie(t, resp, VerifierCookie); verifier == nil || verifier.MaxAge != -1 {
		t.Fatalf("verifier cookie not cleared: %+v", verifier)
	}
	refresh := findCookie(t, resp, RefreshCookie)
	if refresh == nil || refresh.Value != "rt-1" {
		t.Fatalf("refresh cookie = %+v", refresh)
	}
	if refresh.MaxAge != 1800 {
		t.Fatalf("refresh MaxAge = %d, want 1800", refresh.MaxAge)
	}
	if stub.lastCode != "c1" || stub.lastVerifier != "v1" {
		t.Fatalf("exchanger saw code=%q verifier=%q", stub.lastCode, stub.lastVerifier)
	}
}

func TestCallbackRejectsMissingParams(t *testing.T) {
	stub := &stubExchanger{}
	app := newTestApp(t, stub)
	srv := app.Routes()

	for _, target := range []string{"/auth/callback", "/auth/callback?code=c", "/auth/callback?state=s"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
	if stub.exchangeCalls != 0 {
		t.Fatalf("provider consulted despite missing params")
	}
}

func TestCallbackWithoutVerifierCookie(t *testing.T) {
	stub := &stubExchanger{}
	app := newTestApp(t, stub)
	srv := app.Routes()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/callback?code=c1&state=abcd", nil))

	resp := rec.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if refresh := findCookie(t, resp, RefreshCookie); refresh == nil || refresh.MaxAge != -1 {
		t.Fatalf("refresh cookie not cleared: %+v", refresh)
	}
	if stub.exchangeCalls != 0 {
		t.Fatalf("provider consulted without a verifier")
	}
}

func TestCallbackStateMismatch(t *testing.T) {
	stub := &stubExchanger{}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c1&state=forged", nil)
	req.AddCookie(&http.Cookie{Name: VerifierCookie, Value: encodeFlowSecret("v1", "abcd")})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "state_mismatch" {
		t.Fatalf("error = %q", body["error"])
	}
	if stub.exchangeCalls != 0 {
		t.Fatalf("provider consulted despite forged state")
	}
}

func TestCallbackExchangeFailureIsBadGateway(t *testing.T) {
	stub := &stubExchanger{exchangeErr: &UpstreamError{Op: "exchange_code", Status: 401}}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodGet, "/auth/callback?code=c1&state=abcd", nil)
	req.AddCookie(&http.Cookie{Name: VerifierCookie, Value: encodeFlowSecret("v1", "abcd")})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	// The attempt is over either way, so the verifier cookie goes.
	if verifier := findCookie(t, resp, VerifierCookie); verifier == nil || verifier.MaxAge != -1 {
		t.Fatalf("verifier cookie not cleared: %+v", verifier)
	}
}

func TestRefreshRotatesCookieAndReturnsAccessToken(t *testing.T) {
	stub := &stubExchanger{refreshSet: TokenSet{
		AccessToken:      "at-new",
		RefreshToken:     "rt-new",
		AccessExpiresIn:  300,
		RefreshExpiresIn: 1800,
	}}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "rt-old"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.StatusCode, rec.Body.String())
	}
	if stub.lastRefresh != "rt-old" {
		t.Fatalf("provider saw token %q", stub.lastRefresh)
	}

	refresh := findCookie(t, resp, RefreshCookie)
	if refresh == nil || refresh.Value != "rt-new" {
		t.Fatalf("cookie not rotated: %+v", refresh)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.AccessToken != "at-new" || body.ExpiresIn != 300 || body.TokenType != "Bearer" {
		t.Fatalf("body = %+v", body)
	}
}

func TestRefreshWithoutCookieIs401(t *testing.T) {
	app := newTestApp(t, &stubExchanger{})
	srv := app.Routes()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestRefreshRejectedTokenEndsSession(t *testing.T) {
	stub := &stubExchanger{refreshErr: &UpstreamError{Op: "refresh", Status: 400}}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "rt-stale"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if refresh := findCookie(t, resp, RefreshCookie); refresh == nil || refresh.MaxAge != -1 {
		t.Fatalf("stale cookie not cleared: %+v", refresh)
	}
}

func TestRefreshProviderOutageKeepsCookie(t *testing.T) {
	stub := &stubExchanger{refreshErr: &UpstreamError{Op: "refresh", Status: 503}}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "rt-1"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	// A transient outage must not destroy an otherwise valid session.
	if refresh := findCookie(t, resp, RefreshCookie); refresh != nil {
		t.Fatalf("cookie touched on 5xx: %+v", refresh)
	}
}

func TestLogoutClearsCookieEvenWhenRevocationFails(t *testing.T) {
	stub := &stubExchanger{revokeErr: &UpstreamError{Op: "revoke", Status: 500}}
	app := newTestApp(t, stub)
	srv := app.Routes()

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "rt-1"})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	resp := rec.Result()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if refresh := findCookie(t, resp, RefreshCookie); refresh == nil || refresh.MaxAge != -1 {
		t.Fatalf("cookie not cleared: %+v", refresh)
	}
}

func TestLogoutWithoutSessionIsNoContent(t *testing.T) {
	stub := &stubExchanger{}
	app := newTestApp(t, stub)
	srv := app.Routes()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if stub.revokeCalls != 0 {
		t.Fatalf("revocation attempted without a session")
	}
}

func TestProtectedAPIRequiresBearerToken(t *testing.T) {
	app := newTestApp(t, &stubExchanger{})
	srv := app.Routes()

	for _, target := range []string{"/api/users/me", "/api/users/admin-data"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", target, rec.Code)
		}
	}
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, &stubExchanger{})
	srv := app.Routes()

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	app := newTestApp(t, &stubExchanger{})
	srv := app.Routes()

	// Generate at least one observation first.
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sso_gateway_auth_operations_total") {
		t.Fatalf("metrics output missing auth counter:\n%s", rec.Body.String())
	}
}
