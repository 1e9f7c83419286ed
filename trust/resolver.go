package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUntrustedIssuer rejects tokens whose issuer is outside the allow-list
	// or whose discovery metadata could not be resolved.
	ErrUntrustedIssuer = errors.New("untrusted issuer")

	// ErrInvalidToken rejects tokens that fail signature or temporal-claim
	// validation, independent of issuer trust.
	ErrInvalidToken = errors.New("invalid token")
)

// ResolverConfig configures dynamic issuer trust.
type ResolverConfig struct {
	// Issuers is the allow-list of acceptable issuer URLs. It bounds outbound
	// discovery traffic: an attacker-controlled iss claim outside the list is
	// rejected before any fetch.
	Issuers    []string
	CacheTTL   time.Duration
	Cooldown   time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    prometheus.Registerer
}

// Resolver decides, per request, whether a bearer token's issuer is trusted and
// validates the token with that issuer's keys. Validators are cached per issuer
// for the process lifetime (bounded by CacheTTL); concurrent first sightings of
// an issuer share a single discovery fetch.
type Resolver struct {
	allowed  map[string]struct{}
	cacheTTL time.Duration
	cooldown time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu       sync.RWMutex
	entries  map[string]trustEntry
	failures map[string]time.Time
	group    singleflight.Group

	resolutions *prometheus.CounterVec
}

type trustEntry struct {
	validator *Validator
	resolved  time.Time
}

// NewResolver constructs a resolver with defaults applied.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]struct{}, len(cfg.Issuers))
	for _, iss := range cfg.Issuers {
		allowed[strings.TrimSuffix(iss, "/")] = struct{}{}
	}

	return &Resolver{
		allowed:  allowed,
		cacheTTL: cfg.CacheTTL,
		cooldown: cfg.Cooldown,
		client:   client,
		logger:   logger,
		entries:  make(map[string]trustEntry),
		failures: make(map[string]time.Time),
		resolutions: promauto.With(cfg.Metrics).NewCounterVec(prometheus.CounterOpts{
			Name: "sso_gateway_issuer_resolutions_total",
			Help: "Issuer discovery resolutions by outcome",
		}, []string{"outcome"}),
	}
}

// Authenticate validates a raw bearer token and returns the identity it proves.
func (r *Resolver) Authenticate(ctx context.Context, rawToken string) (*Identity, error) {
	issuer, err := unverifiedIssuer(rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if _, ok := r.allowed[issuer]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUntrustedIssuer, issuer)
	}

	validator, err := r.validatorFor(ctx, issuer)
	if err != nil {
		return nil, err
	}

	return validator.Validate(ctx, rawToken)
}

func (r *Resolver) validatorFor(ctx context.Context, issuer string) (*Validator, error) {
	now := time.Now()
	r.mu.RLock()
	entry, cached := r.entries[issuer]
	failedAt, failed := r.failures[issuer]
	r.mu.RUnlock()

	if cached && now.Sub(entry.resolved) < r.cacheTTL {
		return entry.validator, nil
	}
	if failed && now.Sub(failedAt) < r.cooldown {
		return nil, fmt.Errorf("%w: %s resolution cooling down", ErrUntrustedIssuer, issuer)
	}

	// Singleflight collapses concurrent resolutions of the same issuer into one
	// discovery fetch; everyone waiting shares its result. No other lock is held
	// while the fetch is in flight.
	val, err, _ := r.group.Do(issuer, func() (any, error) {
		r.mu.RLock()
		entry, cached := r.entries[issuer]
		r.mu.RUnlock()
		if cached && time.Since(entry.resolved) < r.cacheTTL {
			return entry.validator, nil
		}

		doc, err := fetchDiscovery(ctx, r.client, issuer)
		if err != nil {
			r.mu.Lock()
			r.failures[issuer] = time.Now()
			r.mu.Unlock()
			r.resolutions.WithLabelValues("error").Inc()
			r.logger.Warn("issuer resolution failed", "issuer", issuer, "error", err)
			return nil, err
		}

		validator := NewValidator(ValidatorConfig{
			Issuer:     issuer,
			JWKSURL:    doc.JWKSURI,
			CacheTTL:   r.cacheTTL,
			HTTPClient: r.client,
		})

		r.mu.Lock()
		r.entries[issuer] = trustEntry{validator: validator, resolved: time.Now()}
		delete(r.failures, issuer)
		r.mu.Unlock()
		r.resolutions.WithLabelValues("ok").Inc()
		r.logger.Info("issuer trusted", "issuer", issuer, "jwks_url", doc.JWKSURI)

		return validator, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedIssuer, err)
	}

	return val.(*Validator), nil
}

// Invalidate drops the cached entry for an issuer, forcing re-resolution on the
// next token that names it.
func (r *Resolver) Invalidate(issuer string) {
	issuer = strings.TrimSuffix(issuer, "/")
	r.mu.Lock()
	delete(r.entries, issuer)
	delete(r.failures, issuer)
	r.mu.Unlock()
}

type discoveryDocument struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

func fetchDiscovery(ctx context.Context, client *http.Client, issuer string) (discoveryDocument, error) {
	wellKnown := issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return discoveryDocument{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return discoveryDocument{}, fmt.Errorf("discovery fetch: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return discoveryDocument{}, fmt.Errorf("discovery fetch failed: %s", resp.Status)
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return discoveryDocument{}, fmt.Errorf("decode discovery document: %w", err)
	}

	if strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return discoveryDocument{}, fmt.Errorf("discovery issuer mismatch: got %q", doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return discoveryDocument{}, errors.New("discovery document has no jwks_uri")
	}

	return doc, nil
}

// unverifiedIssuer reads the iss claim without checking the signature. Only the
// allow-list and cache lookups depend on it; nothing is trusted until the
// resolved validator has verified the signature.
func unverifiedIssuer(rawToken string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return "", err
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss == "" {
		return "", errors.New("iss claim missing")
	}
	return strings.TrimSuffix(iss, "/"), nil
}
