package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// TokenSet is the provider's answer to a code exchange or a refresh. It is only
// ever decoded from a token-endpoint response, never assembled by hand.
type TokenSet struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token,omitempty"`
	AccessExpiresIn  int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

// TokenExchanger represents the minimal behaviour required from the upstream
// identity provider.
type TokenExchanger interface {
	AuthCodeURL(c Challenge) string
	ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error)
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// Exchanger performs the form-encoded token and logout calls against the
// identity provider. It never retries: authorization codes are single-use and a
// transparent retry would mask the real failure, so errors surface to the caller.
type Exchanger struct {
	oauth      *oauth2.Config
	logoutURL  string
	idVerifier *oidc.IDTokenVerifier
	client     *http.Client
	logger     *slog.Logger
}

// NewExchanger resolves the provider's endpoints via OIDC discovery and prepares
// the exchange client. Discovery failure here is a startup failure, not a
// per-request condition.
func NewExchanger(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*Exchanger, error) {
	issuer := strings.TrimSuffix(cfg.IssuerURI, "/")

	op, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	logoutURL := issuer + "/protocol/openid-connect/logout"
	if err := op.Claims(&extra); err == nil && extra.EndSessionEndpoint != "" {
		logoutURL = extra.EndSessionEndpoint
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     op.Endpoint(),
		Scopes:       scopes,
	}

	return &Exchanger{
		oauth:      oauthCfg,
		logoutURL:  logoutURL,
		idVerifier: op.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}, nil
}

// AuthCodeURL constructs the authorization redirect for the browser.
func (e *Exchanger) AuthCodeURL(c Challenge) string {
	return e.oauth.AuthCodeURL(c.State,
		oauth2.SetAuthURLParam("code_challenge", c.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// ExchangeCode trades an authorization code plus its PKCE verifier for tokens.
// When the response carries an id_token it is verified against the provider's
// signing keys before the token set is handed back.
func (e *Exchanger) ExchangeCode(ctx context.Context, code, verifier string) (TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", e.oauth.RedirectURL)
	form.Set("code_verifier", verifier)

	ts, err := e.postToken(ctx, "exchange_code", form)
	if err != nil {
		return TokenSet{}, err
	}

	if ts.IDToken != "" {
		if _, err := e.idVerifier.Verify(ctx, ts.IDToken); err != nil {
			return TokenSet{}, &UpstreamError{Op: "verify_id_token", Err: err}
		}
	}

	return ts, nil
}

// Refresh rotates a refresh token. A provider that omits refresh_expires_in
// leaves it at zero, meaning the caller must not assume a new rotation window.
func (e *Exchanger) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	return e.postToken(ctx, "refresh", form)
}

// Revoke asks the provider to end the session behind the refresh token. 200 and
// 204 both count as success; anything else is surfaced so the caller can report
// it, even though local cleanup proceeds regardless.
func (e *Exchanger) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("client_id", e.oauth.ClientID)
	form.Set("client_secret", e.oauth.ClientSecret)
	form.Set("refresh_token", refreshToken)

	resp, err := e.postForm(ctx, e.logoutURL, form)
	if err != nil {
		return &UpstreamError{Op: "revoke", Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return &UpstreamError{Op: "revoke", Status: resp.StatusCode}
	}
	return nil
}

func (e *Exchanger) postToken(ctx context.Context, op string, form url.Values) (TokenSet, error) {
	form.Set("client_id", e.oauth.ClientID)
	form.Set("client_secret", e.oauth.ClientSecret)

	resp, err := e.postForm(ctx, e.oauth.Endpoint.TokenURL, form)
	if err != nil {
		return TokenSet{}, &UpstreamError{Op: op, Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.logger.Warn("token endpoint rejected request", "op", op, "status", resp.StatusCode)
		return TokenSet{}, &UpstreamError{Op: op, Status: resp.StatusCode}
	}

	var ts TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		return TokenSet{}, &UpstreamError{Op: op, Err: fmt.Errorf("decode token response: %w", err)}
	}
	return ts, nil
}

func (e *Exchanger) postForm(ctx context.Context, endpoint string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return e.client.Do(req)
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<16))
	_ = body.Close()
}
