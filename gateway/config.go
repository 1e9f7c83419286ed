package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded cookie and trust defaults
const (
	DefaultVerifierTTL   = 5 * time.Minute
	DefaultTrustCacheTTL = 1 * time.Hour
	DefaultTrustCooldown = 30 * time.Second
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Authorization", "Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
)

// Config captures the full gateway configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	SPA      SPAConfig      `yaml:"spa"`
	Cookies  CookieConfig   `yaml:"cookies"`
	Trust    TrustConfig    `yaml:"trust"`
	Rules    []AccessRule   `yaml:"access_rules"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr   string     `yaml:"dev_listen_addr"`
	HTTPListenAddr  string     `yaml:"http_listen_addr"`
	HTTPSListenAddr string     `yaml:"https_listen_addr"`
	DevMode         bool       `yaml:"dev_mode"`
	TLS             TLSConfig  `yaml:"tls"`
	CORS            CORSConfig `yaml:"cors"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	MinVersion string   `yaml:"min_version"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// CORSConfig lists the browser origins allowed to call the gateway with credentials.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// ProviderConfig identifies the upstream identity provider and our registration with it.
type ProviderConfig struct {
	IssuerURI    string   `yaml:"issuer_uri"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURI  string   `yaml:"redirect_uri"`
	Scopes       []string `yaml:"scopes"`
}

// SPAConfig describes where the browser is sent after a completed login.
type SPAConfig struct {
	BaseURL      string `yaml:"base_url"`
	CallbackPath string `yaml:"callback_path"`
}

// CookieConfig controls the two session cookies the gateway emits.
type CookieConfig struct {
	Domain      string        `yaml:"domain"`
	VerifierTTL time.Duration `yaml:"verifier_ttl"`
}

// TrustConfig bounds dynamic issuer resolution.
type TrustConfig struct {
	Issuers  []string      `yaml:"issuers"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				MinVersion: "1.2",
				HSTSMaxAge: 31536000,
			},
			CORS: CORSConfig{
				AllowedMethods: DefaultCORSAllowedMethods,
				AllowedHeaders: DefaultCORSAllowedHeaders,
			},
		},
		Provider: ProviderConfig{
			Scopes: []string{"openid", "profile", "email"},
		},
		SPA: SPAConfig{
			CallbackPath: "/auth-callback",
		},
		Cookies: CookieConfig{
			VerifierTTL: DefaultVerifierTTL,
		},
		Trust: TrustConfig{
			CacheTTL: DefaultTrustCacheTTL,
			Cooldown: DefaultTrustCooldown,
		},
		Rules: []AccessRule{
			{Pattern: "/api/users/admin-data", Roles: []string{"ROLE_admin"}},
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"GATEWAY_DEV_LISTEN_ADDR":        func(v string) { cfg.Server.DevListenAddr = v },
		"GATEWAY_DEV_MODE":               func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"GATEWAY_TLS_DOMAINS":            func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"GATEWAY_TLS_EMAIL":              func(v string) { cfg.Server.TLS.Email = v },
		"GATEWAY_CORS_ALLOWED_ORIGINS":   func(v string) { cfg.Server.CORS.AllowedOrigins = splitAndTrim(v) },
		"KEYCLOAK_ISSUER_URI":            func(v string) { cfg.Provider.IssuerURI = strings.TrimSuffix(v, "/") },
		"KEYCLOAK_CLIENT_ID":             func(v string) { cfg.Provider.ClientID = v },
		"KEYCLOAK_CLIENT_SECRET":         func(v string) { cfg.Provider.ClientSecret = v },
		"KEYCLOAK_REDIRECT_URI":          func(v string) { cfg.Provider.RedirectURI = v },
		"SPA_BASE_URL":                   func(v string) { cfg.SPA.BaseURL = strings.TrimSuffix(v, "/") },
		"GATEWAY_COOKIE_DOMAIN":          func(v string) { cfg.Cookies.Domain = v },
		"GATEWAY_COOKIE_VERIFIER_TTL":    func(v string) { cfg.Cookies.VerifierTTL = parseDuration(v, cfg.Cookies.VerifierTTL) },
		"GATEWAY_TRUSTED_ISSUERS":        func(v string) { cfg.Trust.Issuers = splitAndTrim(v) },
		"GATEWAY_TRUST_CACHE_TTL":        func(v string) { cfg.Trust.CacheTTL = parseDuration(v, cfg.Trust.CacheTTL) },
		"GATEWAY_TRUST_COOLDOWN":         func(v string) { cfg.Trust.Cooldown = parseDuration(v, cfg.Trust.Cooldown) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Failures here are fatal at startup;
// nothing in the request path re-validates configuration.
func (c Config) Validate() error {
	if c.Provider.IssuerURI == "" {
		return errors.New("provider.issuer_uri is required")
	}
	if !strings.HasPrefix(c.Provider.IssuerURI, "http://") && !strings.HasPrefix(c.Provider.IssuerURI, "https://") {
		return fmt.Errorf("provider.issuer_uri must start with http:// or https://, got: %s", c.Provider.IssuerURI)
	}
	if c.Provider.ClientID == "" {
		return errors.New("provider.client_id is required")
	}
	if c.Provider.ClientSecret == "" {
		return errors.New("provider.client_secret is required")
	}
	if c.Provider.RedirectURI == "" {
		return errors.New("provider.redirect_uri is required")
	}
	if !strings.HasPrefix(c.Provider.RedirectURI, "http://") && !strings.HasPrefix(c.Provider.RedirectURI, "https://") {
		return fmt.Errorf("provider.redirect_uri must start with http:// or https://, got: %s", c.Provider.RedirectURI)
	}
	if c.SPA.BaseURL == "" {
		return errors.New("spa.base_url is required")
	}
	if !strings.HasPrefix(c.SPA.BaseURL, "http://") && !strings.HasPrefix(c.SPA.BaseURL, "https://") {
		return fmt.Errorf("spa.base_url must start with http:// or https://, got: %s", c.SPA.BaseURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if c.Cookies.VerifierTTL <= 0 {
		return errors.New("cookies.verifier_ttl must be positive")
	}

	for i, rule := range c.Rules {
		if rule.Pattern == "" {
			return fmt.Errorf("access_rules[%d]: pattern is required", i)
		}
	}

	for i, iss := range c.Trust.Issuers {
		if !strings.HasPrefix(iss, "http://") && !strings.HasPrefix(iss, "https://") {
			return fmt.Errorf("trust.issuers[%d] must be an HTTP(S) URL, got: %s", i, iss)
		}
	}

	return nil
}

// TrustedIssuers returns the issuer allow-list, defaulting to the configured
// provider so the trust boundary is closed even with no explicit list.
func (c Config) TrustedIssuers() []string {
	if len(c.Trust.Issuers) > 0 {
		return c.Trust.Issuers
	}
	return []string{c.Provider.IssuerURI}
}
