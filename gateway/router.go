package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quijadajose/keycloak-sso-fullstack-demo/trust"
)

// Routes constructs the HTTP router for the auth lifecycle and the protected API.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(MetricsMiddleware(a.Metrics))
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/auth/login", a.handleLogin)
	r.Get("/auth/callback", a.handleCallback)
	r.Post("/auth/refresh", a.handleRefresh)
	r.Post("/auth/logout", a.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(trust.RequireAuth(a.Resolver))
		r.Use(a.requireRules)
		r.Get("/users/me", a.handleMe)
		r.Get("/users/admin-data", a.handleAdminData)
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	return r
}
