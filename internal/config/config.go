// Package config loads server configuration from an optional YAML file and
// the environment. Environment variables override YAML values.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stagesuite/internal/federation"
)

// GoogleProviderID is the id of the static provider built from GOOGLE_CLIENT_ID.
const GoogleProviderID = "google"

// Config holds the server configuration.
type Config struct {
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url"`

	// SecretKey is the base64 of the 32-byte vault key.
	SecretKey string `yaml:"sso_secret_key"`

	SessionHashKey  string        `yaml:"session_hash_key"`
	SessionBlockKey string        `yaml:"session_block_key"`
	SessionTTL      time.Duration `yaml:"session_ttl"`

	AppAdminEmails []string `yaml:"app_admin_emails"`

	StaticProviders []federation.StaticProvider `yaml:"static_providers"`

	RateLimitRPS          float64 `yaml:"rate_limit_rps"`
	RateLimitBurst        int     `yaml:"rate_limit_burst"`
	ResolveRateLimitRPS   float64 `yaml:"resolve_rate_limit_rps"`
	ResolveRateLimitBurst int     `yaml:"resolve_rate_limit_burst"`

	// TrustedProxies is a comma separated list of CIDRs whose
	// X-Forwarded-For header is honored for rate limiting.
	TrustedProxies string `yaml:"trusted_proxies"`

	DatabaseURL string `yaml:"database_url"`
	SQLiteDSN   string `yaml:"sqlite_dsn"`

	SentryDSN         string `yaml:"sentry_dsn"`
	SentryEnvironment string `yaml:"sentry_environment"`

	RegistryConcurrency int `yaml:"registry_concurrency"`
}

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		Addr:                  ":8080",
		BaseURL:               "http://localhost:8080",
		SessionTTL:            12 * time.Hour,
		RateLimitRPS:          100,
		RateLimitBurst:        200,
		ResolveRateLimitRPS:   1,
		ResolveRateLimitBurst: 10,
		SentryEnvironment:     "production",
		RegistryConcurrency:   federation.DefaultDecryptConcurrency,
	}
}

// Load reads path (if non-empty), applies the environment and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	str("ADDR", &c.Addr)
	if p := strings.TrimSpace(getenv("PORT")); p != "" {
		c.Addr = ":" + p
	}
	str("STAGESUITE_BASE_URL", &c.BaseURL)
	str("SSO_SECRET_KEY", &c.SecretKey)
	str("SESSION_HASH_KEY", &c.SessionHashKey)
	str("SESSION_BLOCK_KEY", &c.SessionBlockKey)
	str("DATABASE_URL", &c.DatabaseURL)
	str("SQLITE_DSN", &c.SQLiteDSN)
	str("SENTRY_DSN", &c.SentryDSN)
	str("SENTRY_ENVIRONMENT", &c.SentryEnvironment)
	str("STAGESUITE_TRUSTED_PROXIES", &c.TrustedProxies)

	if v := getenv("APP_ADMIN_EMAILS"); v != "" {
		c.AppAdminEmails = splitList(v)
	}
	if v := getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_TTL: %w", err)
		}
		c.SessionTTL = d
	}
	if v := strings.TrimSpace(getenv("RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = f
	}
	if v := strings.TrimSpace(getenv("RATE_LIMIT_BURST")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimitBurst = n
	}
	if v := strings.TrimSpace(getenv("RESOLVE_RATE_LIMIT_RPS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RESOLVE_RATE_LIMIT_RPS: %w", err)
		}
		c.ResolveRateLimitRPS = f
	}

	if id := strings.TrimSpace(getenv("GOOGLE_CLIENT_ID")); id != "" {
		c.setStatic(federation.StaticProvider{
			ID:           GoogleProviderID,
			ClientID:     id,
			ClientSecret: strings.TrimSpace(getenv("GOOGLE_CLIENT_SECRET")),
			DiscoveryURL: federation.GoogleDiscoveryURL,
		})
	}
	return nil
}

// setStatic adds p, replacing any YAML provider with the same id.
func (c *Config) setStatic(p federation.StaticProvider) {
	for i := range c.StaticProviders {
		if c.StaticProviders[i].ID == p.ID {
			c.StaticProviders[i] = p
			return
		}
	}
	c.StaticProviders = append(c.StaticProviders, p)
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return errors.New("sso_secret_key is required (set SSO_SECRET_KEY or yaml)")
	}
	if key, err := base64.StdEncoding.DecodeString(c.SecretKey); err != nil || len(key) != 32 {
		return errors.New("sso_secret_key must be the base64 encoding of 32 bytes")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base_url %q must be an absolute http(s) URL", c.BaseURL)
	}

	if c.SessionHashKey != "" {
		if k, err := base64.StdEncoding.DecodeString(c.SessionHashKey); err != nil || len(k) < 32 {
			return errors.New("session_hash_key must be the base64 encoding of at least 32 bytes")
		}
	}
	if c.SessionBlockKey != "" {
		k, err := base64.StdEncoding.DecodeString(c.SessionBlockKey)
		if err != nil || (len(k) != 16 && len(k) != 24 && len(k) != 32) {
			return errors.New("session_block_key must be the base64 encoding of 16, 24 or 32 bytes")
		}
	}
	if c.SessionTTL < time.Minute {
		return errors.New("session_ttl must be at least 1 minute")
	}

	seen := make(map[string]bool, len(c.StaticProviders))
	for _, p := range c.StaticProviders {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("static provider %q is defined twice", p.ID)
		}
		seen[p.ID] = true
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 || c.ResolveRateLimitRPS < 0 || c.ResolveRateLimitBurst < 0 {
		return errors.New("rate limits must not be negative")
	}
	if c.RegistryConcurrency < 1 {
		return errors.New("registry_concurrency must be at least 1")
	}
	return nil
}

// SessionKeys decodes the session cookie keys. Either may be nil when unset.
func (c *Config) SessionKeys() (hashKey, blockKey []byte) {
	hashKey, _ = base64.StdEncoding.DecodeString(c.SessionHashKey)
	blockKey, _ = base64.StdEncoding.DecodeString(c.SessionBlockKey)
	if len(hashKey) == 0 {
		hashKey = nil
	}
	if len(blockKey) == 0 {
		blockKey = nil
	}
	return hashKey, blockKey
}

// Secure reports whether cookies should carry the Secure flag.
func (c *Config) Secure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
