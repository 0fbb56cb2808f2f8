// Package testutil provides testing utilities for StageSuite integration tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"stagesuite/internal/api"
	"stagesuite/internal/audit"
	"stagesuite/internal/auth"
	"stagesuite/internal/auth/oidc"
	"stagesuite/internal/domain"
	"stagesuite/internal/federation"
	"stagesuite/internal/invite"
	"stagesuite/internal/observability"
	"stagesuite/internal/storage"
	"stagesuite/internal/tenancy"
)

// TestServerConfig holds configuration for creating a test server.
type TestServerConfig struct {
	// EnableMetrics enables metrics collection and the /metrics endpoint.
	EnableMetrics bool
	// RateLimit and ResolveRateLimit are disabled when zero.
	RateLimit        api.RateLimitConfig
	ResolveRateLimit api.RateLimitConfig
	// AppAdmins are application administrator emails.
	AppAdmins []string
	// Static providers are added to every registry build.
	Static []federation.StaticProvider
	// Now overrides the invite manager clock.
	Now func() time.Time
}

// TestServerComponents holds all the components created for a test server.
type TestServerComponents struct {
	Server      *httptest.Server
	Store       *storage.MemoryStore
	Vault       *oidc.Vault
	Sessions    *auth.SessionManager
	Tenancy     *tenancy.Service
	Invites     *invite.Manager
	AuditLogger *audit.MemoryAuditLogger
	Metrics     *observability.Metrics
	Logger      observability.Logger
}

// NewTestServer starts a fully wired server backed by a MemoryStore. The
// server is closed when the test ends.
func NewTestServer(t *testing.T, cfg TestServerConfig) *TestServerComponents {
	t.Helper()

	// started first so the registry knows its callback base URL
	ts := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	store := storage.NewMemoryStore()
	logger := observability.NewLogger(observability.Config{
		Level:  "debug",
		Format: "json",
		Output: io.Discard,
	})

	var metrics *observability.Metrics
	if cfg.EnableMetrics {
		metrics = observability.NewMetrics(observability.MetricsConfig{
			Enabled:   true,
			Namespace: "stagesuite_test",
			Version:   "test",
		})
	}

	key, err := oidc.GenerateKey()
	if err != nil {
		t.Fatalf("generate vault key: %v", err)
	}
	vault, err := oidc.NewVault(key)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	auditLogger := audit.NewMemoryAuditLogger(audit.WithMaxEvents(1000))
	sessions := auth.NewSessionManager(nil, nil)

	builder, err := federation.NewBuilder(federation.BuilderConfig{
		Store:   store,
		Vault:   vault,
		Static:  cfg.Static,
		BaseURL: ts.URL,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("new registry builder: %v", err)
	}

	tenants := tenancy.NewService(store,
		tenancy.WithAppAdmins(cfg.AppAdmins),
		tenancy.WithAudit(auditLogger),
		tenancy.WithLogger(logger),
	)
	inviteOpts := []invite.Option{
		invite.WithAudit(auditLogger),
		invite.WithLogger(logger),
		invite.WithMetrics(metrics),
	}
	if cfg.Now != nil {
		inviteOpts = append(inviteOpts, invite.WithClock(cfg.Now))
	}
	invites := invite.NewManager(store, tenants, inviteOpts...)

	srv, err := api.NewServer(api.Config{
		Store:            store,
		Registry:         builder,
		Resolver:         federation.NewResolver(store, metrics),
		Settings:         federation.NewSettings(store, vault,
			federation.WithSettingsLogger(logger),
			federation.WithSettingsMetrics(metrics),
		),
		Tenancy:          tenants,
		Invites:          invites,
		Sessions:         sessions,
		BaseURL:          ts.URL,
		Audit:            auditLogger,
		Logger:           logger,
		Metrics:          metrics,
		RateLimit:        cfg.RateLimit,
		ResolveRateLimit: cfg.ResolveRateLimit,
	})
	if err != nil {
		t.Fatalf("new api server: %v", err)
	}
	ts.Config.Handler = srv.Handler()

	return &TestServerComponents{
		Server:      ts,
		Store:       store,
		Vault:       vault,
		Sessions:    sessions,
		Tenancy:     tenants,
		Invites:     invites,
		AuditLogger: auditLogger,
		Metrics:     metrics,
		Logger:      logger,
	}
}

// URL returns the full URL for a given path.
func (c *TestServerComponents) URL(path string) string {
	return c.Server.URL + path
}

// Browser returns a client with a cookie jar that echoes the CSRF cookie in
// the X-CSRF-Token header, the way the web frontend does. It follows redirects.
func (c *TestServerComponents) Browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &http.Client{
		Jar:       jar,
		Transport: &csrfTransport{jar: jar, base: c.Server.Client().Transport},
	}
}

// SignIn creates (or reuses) the user with email and returns a Browser that
// carries a valid session for it, skipping the IdP round trip.
func (c *TestServerComponents) SignIn(t *testing.T, email string) (*http.Client, *domain.User) {
	t.Helper()
	user, err := c.Store.UpsertUserByEmail(context.Background(), email, "")
	if err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	rec := httptest.NewRecorder()
	if _, err := c.Sessions.Issue(rec, user.ID, user.Email); err != nil {
		t.Fatalf("issue session: %v", err)
	}
	client := c.Browser(t)
	u, _ := url.Parse(c.Server.URL)
	client.Jar.SetCookies(u, rec.Result().Cookies())

	// picks up the CSRF cookie
	resp := DoRequest(t, client, MustRequest(t, http.MethodGet, c.URL("/healthz"), nil))
	_ = resp.Body.Close()
	return client, user
}

type csrfTransport struct {
	jar  http.CookieJar
	base http.RoundTripper
}

func (t *csrfTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		for _, ck := range t.jar.Cookies(req.URL) {
			if ck.Name == api.CSRFCookieName {
				req = req.Clone(req.Context())
				req.Header.Set(api.CSRFHeaderName, ck.Value)
			}
		}
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// MustRequest creates an HTTP request, failing the test on error. A non-nil
// body is sent as JSON.
func MustRequest(t *testing.T, method, url string, body io.Reader) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// DoRequest performs an HTTP request and returns the response.
func DoRequest(t *testing.T, client *http.Client, req *http.Request) *http.Response {
	t.Helper()

	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	return resp
}

// AssertStatus checks that the response has the expected status code.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()

	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s",
			resp.Request.Method, resp.Request.URL.Path, expected, resp.StatusCode, body)
	}
}

// AssertHeaderExists checks that the response has the specified header.
func AssertHeaderExists(t *testing.T, resp *http.Response, key string) {
	t.Helper()

	if resp.Header.Get(key) == "" {
		t.Errorf("expected header %s to exist", key)
	}
}

// JSONBody creates an io.Reader from a JSON-serializable value.
func JSONBody(t *testing.T, v any) io.Reader {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}

	return bytes.NewReader(data)
}

// ReadJSONResponse reads and unmarshals a JSON response body.
func ReadJSONResponse(t *testing.T, resp *http.Response, v any) {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to unmarshal response: %v\nBody: %s", err, string(data))
	}
}
