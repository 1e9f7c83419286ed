package gateway

import (
	"context"
	"log/slog"
	"strings"
)

// AuthService coordinates the four lifecycle operations: login, callback,
// refresh, logout. It owns no HTTP concerns; handlers translate its results
// into redirects, cookies, and status codes.
type AuthService struct {
	exchanger TokenExchanger
	logger    *slog.Logger
}

// NewAuthService wires the orchestrator to an identity-provider client.
func NewAuthService(exchanger TokenExchanger, logger *slog.Logger) *AuthService {
	return &AuthService{exchanger: exchanger, logger: logger}
}

// LoginRedirect carries everything a login response needs: where to send the
// browser and the flow secret to park in the verifier cookie until the
// provider redirects back.
type LoginRedirect struct {
	URL        string
	FlowSecret string
}

// Login starts a fresh PKCE attempt.
func (s *AuthService) Login() LoginRedirect {
	c := NewChallenge()
	return LoginRedirect{
		URL:        s.exchanger.AuthCodeURL(c),
		FlowSecret: encodeFlowSecret(c.Verifier, c.State),
	}
}

// Callback completes the login: it checks the returned state against the one
// issued at login and trades the code for tokens. A callback without the flow
// secret never reaches the provider. The upstream reference skipped the state
// comparison entirely; it is enforced here because without it the callback is
// open to login CSRF.
func (s *AuthService) Callback(ctx context.Context, code, state, flowSecret string) (TokenSet, error) {
	verifier, issuedState, ok := decodeFlowSecret(flowSecret)
	if !ok {
		return TokenSet{}, ErrMissingVerifier
	}
	if state == "" || state != issuedState {
		return TokenSet{}, ErrStateMismatch
	}
	return s.exchanger.ExchangeCode(ctx, code, verifier)
}

// Refresh rotates the session. The moment the provider answers, the token that
// was presented is considered consumed whether or not it had expired.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, ErrUnauthenticated
	}
	return s.exchanger.Refresh(ctx, refreshToken)
}

// Logout revokes the session upstream when a refresh token is present. The
// error is returned for reporting, but callers clear the browser's cookies no
// matter what the provider said.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.exchanger.Revoke(ctx, refreshToken); err != nil {
		s.logger.Warn("upstream revocation failed", "error", err)
		return err
	}
	return nil
}

// The verifier cookie carries both in-flight secrets for the attempt. The
// verifier is base64url and the state is hex, so a dot separator is unambiguous.
func encodeFlowSecret(verifier, state string) string {
	return verifier + "." + state
}

func decodeFlowSecret(value string) (verifier, state string, ok bool) {
	if value == "" {
		return "", "", false
	}
	verifier, state, found := strings.Cut(value, ".")
	if !found || verifier == "" || state == "" {
		return "", "", false
	}
	return verifier, state, true
}
