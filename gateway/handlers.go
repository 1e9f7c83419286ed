package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quijadajose/keycloak-sso-fullstack-demo/trust"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Auth     *AuthService
	Cookies  *Codec
	Resolver *trust.Resolver
	Metrics  *Metrics
	Registry *prometheus.Registry
}

// NewApp wires together the application state from configuration. Provider
// discovery happens here, so a misconfigured or unreachable issuer fails the
// process at startup instead of on the first login.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	exchanger, err := NewExchanger(ctx, cfg.Provider, logger)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()

	resolver := trust.NewResolver(trust.ResolverConfig{
		Issuers:  cfg.TrustedIssuers(),
		CacheTTL: cfg.Trust.CacheTTL,
		Cooldown: cfg.Trust.Cooldown,
		Logger:   logger,
		Metrics:  registry,
	})

	return &App{
		Config:   cfg,
		Logger:   logger,
		Auth:     NewAuthService(exchanger, logger),
		Cookies:  NewCodec(cfg.Cookies.Domain),
		Resolver: resolver,
		Metrics:  NewMetrics(registry),
		Registry: registry,
	}, nil
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	redirect := a.Auth.Login()
	a.Cookies.Write(w, VerifierCookie, redirect.FlowSecret, a.Config.Cookies.VerifierTTL)
	a.Metrics.ObserveAuth("login", nil)
	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	state := q.Get("state")
	if code == "" || state == "" {
		writeError(w, http.StatusBadRequest, "invalid_callback", "missing code or state")
		return
	}

	flowSecret, _ := a.Cookies.Read(r, VerifierCookie)
	tokens, err := a.Auth.Callback(r.Context(), code, state, flowSecret)
	a.Metrics.ObserveAuth("callback", err)
	a.Cookies.Clear(w, VerifierCookie)

	if err != nil {
		a.Logger.Warn("callback failed", "error", err)
		switch {
		case errors.Is(err, ErrMissingVerifier):
			a.Cookies.Clear(w, RefreshCookie)
			writeError(w, http.StatusUnauthorized, "missing_verifier", "no login attempt in flight")
		case errors.Is(err, ErrStateMismatch):
			a.Cookies.Clear(w, RefreshCookie)
			writeError(w, http.StatusBadRequest, "state_mismatch", "state does not match login attempt")
		default:
			writeError(w, http.StatusBadGateway, "exchange_failed", "identity provider rejected the login")
		}
		return
	}

	a.setRefreshCookie(w, tokens)
	http.Redirect(w, r, a.spaCallbackURL(), http.StatusFound)
}

func (a *App) handleRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken, _ := a.Cookies.Read(r, RefreshCookie)
	tokens, err := a.Auth.Refresh(r.Context(), refreshToken)
	a.Metrics.ObserveAuth("refresh", err)

	if err != nil {
		if errors.Is(err, ErrUnauthenticated) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no refresh token provided")
			return
		}
		a.Logger.Warn("refresh failed", "error", err)
		var upstream *UpstreamError
		if errors.As(err, &upstream) && upstream.Status >= 400 && upstream.Status < 500 {
			// The provider no longer honours this token; the session is over.
			a.Cookies.Clear(w, RefreshCookie)
			writeError(w, http.StatusUnauthorized, "session_expired", "refresh token rejected")
			return
		}
		writeError(w, http.StatusBadGateway, "refresh_failed", "identity provider unavailable")
		return
	}

	a.setRefreshCookie(w, tokens)
	writeJSON(w, map[string]any{
		"access_token": tokens.AccessToken,
		"expires_in":   tokens.AccessExpiresIn,
		"token_type":   "Bearer",
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	refreshToken, _ := a.Cookies.Read(r, RefreshCookie)
	err := a.Auth.Logout(r.Context(), refreshToken)
	a.Metrics.ObserveAuth("logout", err)

	// The browser's session state is cleaned up even when upstream revocation
	// failed; the failure is still reported below.
	a.Cookies.Clear(w, RefreshCookie)

	if err != nil {
		writeError(w, http.StatusBadGateway, "logout_failed", "identity provider revocation failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := trust.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "no identity")
		return
	}
	writeJSON(w, identity.Claims)
}

func (a *App) handleAdminData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"msg": "Solo para admin"})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// requireRules enforces the ordered access-rule list for the protected subtree.
func (a *App) requireRules(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required := RequiredRoles(a.Config.Rules, r.URL.Path)
		if len(required) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		identity, ok := trust.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "no identity")
			return
		}
		if !identity.HasAnyRole(required...) {
			writeError(w, http.StatusForbidden, "forbidden", "missing required role")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) setRefreshCookie(w http.ResponseWriter, tokens TokenSet) {
	if tokens.RefreshExpiresIn > 0 {
		a.Cookies.Write(w, RefreshCookie, tokens.RefreshToken, time.Duration(tokens.RefreshExpiresIn)*time.Second)
		return
	}
	// No rotation window from the provider: keep the cookie for the browser
	// session only rather than inventing a lifetime.
	a.Cookies.WriteSession(w, RefreshCookie, tokens.RefreshToken)
}

func (a *App) spaCallbackURL() string {
	return strings.TrimSuffix(a.Config.SPA.BaseURL, "/") + a.Config.SPA.CallbackPath
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
