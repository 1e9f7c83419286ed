package trust

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type identityKey struct{}

// RequireAuth validates the bearer token on every request and injects the
// resulting identity into the context. Requests without a token, with an
// untrusted issuer, or with an invalid token are all rejected with 401; the
// distinction stays in the server logs, not the response.
func RequireAuth(r *Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			token := bearerToken(req.Header.Get("Authorization"))
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			identity, err := r.Authenticate(req.Context(), token)
			if err != nil {
				switch {
				case errors.Is(err, ErrUntrustedIssuer):
					r.logger.Warn("rejected token from untrusted issuer", "error", err)
				default:
					r.logger.Debug("rejected invalid token", "error", err)
				}
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(req.Context(), identityKey{}, identity)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

// IdentityFromContext retrieves the identity attached by RequireAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
