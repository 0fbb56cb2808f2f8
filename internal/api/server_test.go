package api_test

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"stagesuite/internal/api"
	"stagesuite/internal/audit"
	"stagesuite/internal/auth"
	"stagesuite/internal/auth/oidc/oidctest"
	"stagesuite/internal/federation"
	"stagesuite/internal/testutil"

	"gopkg.in/yaml.v3"
)

const oktaClientID = "stagesuite-okta"

func postJSON(t *testing.T, c *testutil.TestServerComponents, client *http.Client, path string, v any) *http.Response {
	t.Helper()
	return doJSON(t, c, client, http.MethodPost, path, v)
}

func doJSON(t *testing.T, c *testutil.TestServerComponents, client *http.Client, method, path string, v any) *http.Response {
	t.Helper()
	var body io.Reader
	if v != nil {
		body = testutil.JSONBody(t, v)
	}
	return testutil.DoRequest(t, client, testutil.MustRequest(t, method, c.URL(path), body))
}

func get(t *testing.T, c *testutil.TestServerComponents, client *http.Client, path string) *http.Response {
	t.Helper()
	return testutil.DoRequest(t, client, testutil.MustRequest(t, http.MethodGet, c.URL(path), nil))
}

type org struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// tenant is an organisation whose SSO points at a fake IdP.
type tenant struct {
	admin      *http.Client
	orgID      string
	providerID string
	idp        *oidctest.FakeIdP
}

func bootstrap(t *testing.T, c *testutil.TestServerComponents, adminEmail, name string) (*http.Client, string) {
	t.Helper()
	admin, _ := c.SignIn(t, adminEmail)
	resp := postJSON(t, c, admin, "/api/v1/organisations/bootstrap", map[string]string{"name": name})
	testutil.AssertStatus(t, resp, http.StatusCreated)
	var o org
	testutil.ReadJSONResponse(t, resp, &o)
	return admin, o.ID
}

func newTenant(t *testing.T, c *testutil.TestServerComponents, domains ...string) *tenant {
	t.Helper()
	idp := oidctest.NewFakeIdP(t, oktaClientID)
	admin, orgID := bootstrap(t, c, "admin@"+domains[0], "Acme Players")

	resp := postJSON(t, c, admin, "/api/v1/sso/config", map[string]any{
		"provider":      "OKTA",
		"client_id":     oktaClientID,
		"client_secret": "okta-secret",
		"issuer":        idp.URL(),
		"domains":       domains,
	})
	testutil.AssertStatus(t, resp, http.StatusOK)
	var saved struct {
		ProviderID string   `json:"providerId"`
		Domains    []string `json:"domains"`
	}
	testutil.ReadJSONResponse(t, resp, &saved)
	if !strings.HasPrefix(saved.ProviderID, "okta-") {
		t.Fatalf("providerId = %q", saved.ProviderID)
	}
	return &tenant{admin: admin, orgID: orgID, providerID: saved.ProviderID, idp: idp}
}

func resolve(t *testing.T, c *testutil.TestServerComponents, email string) *string {
	t.Helper()
	resp := postJSON(t, c, nil, "/api/v1/sso/resolve", map[string]string{"email": email})
	testutil.AssertStatus(t, resp, http.StatusOK)
	var out struct {
		ProviderID *string `json:"providerId"`
	}
	testutil.ReadJSONResponse(t, resp, &out)
	return out.ProviderID
}

func noRedirects(client *http.Client) *http.Client {
	cp := *client
	cp.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &cp
}

func TestHealthAndReady(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := get(t, c, nil, path)
		testutil.AssertStatus(t, resp, http.StatusOK)
		testutil.AssertHeaderExists(t, resp, "X-Request-ID")
		_ = resp.Body.Close()
	}
}

func TestOpenAPIDocumentCoversRoutes(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	resp := get(t, c, nil, "/openapi.yaml")
	testutil.AssertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	var doc struct {
		Paths map[string]map[string]any `yaml:"paths"`
	}
	if err := yaml.Unmarshal(body, &doc); err != nil {
		t.Fatalf("parse openapi.yaml: %v", err)
	}
	routes := []string{
		"GET /healthz",
		"GET /readyz",
		"POST /api/v1/sso/resolve",
		"GET /api/v1/sso/config",
		"POST /api/v1/sso/config",
		"GET /api/v1/auth/providers",
		"GET /api/v1/auth/oauth2/start/{providerId}",
		"GET " + federation.CallbackPath + "{providerId}",
		"POST /api/v1/auth/logout",
		"GET /api/v1/me",
		"POST /api/v1/organisations/bootstrap",
		"PATCH /api/v1/organisations",
		"GET /api/v1/admin/organisations",
		"POST /api/v1/productions",
		"GET /api/v1/productions/{id}",
		"PATCH /api/v1/productions/{id}",
		"GET /api/v1/productions/{id}/members",
		"PATCH /api/v1/productions/{id}/members/{userId}",
		"DELETE /api/v1/productions/{id}/members/{userId}",
		"POST /api/v1/productions/{id}/invites",
		"GET /api/v1/productions/{id}/invites",
		"GET /api/v1/invites/{token}",
		"POST /api/v1/invites/accept",
	}
	for _, route := range routes {
		method, path, _ := strings.Cut(route, " ")
		ops, ok := doc.Paths[path]
		if !ok {
			t.Errorf("openapi.yaml is missing path %s", path)
			continue
		}
		if _, ok := ops[strings.ToLower(method)]; !ok {
			t.Errorf("openapi.yaml is missing %s", route)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{EnableMetrics: true})
	_ = resolve(t, c, "nobody@unknown.test")

	resp := get(t, c, nil, "/metrics")
	testutil.AssertStatus(t, resp, http.StatusOK)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	for _, want := range []string{"stagesuite_test_http_requests_total", "stagesuite_test_sso_resolutions_total"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestResolve(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	tn := newTenant(t, c, "acme.test", "acme-players.test")

	if got := resolve(t, c, "Sam@ACME.test "); got == nil || *got != tn.providerID {
		t.Fatalf("resolve acme.test = %v, want %s", got, tn.providerID)
	}
	if got := resolve(t, c, "pat@acme-players.test"); got == nil || *got != tn.providerID {
		t.Fatalf("resolve second domain = %v", got)
	}
	if got := resolve(t, c, "someone@elsewhere.test"); got != nil {
		t.Fatalf("unknown domain resolved to %s", *got)
	}

	for _, bad := range []string{"no-at-sign", "a@b@c.test", "@acme.test", "sam@"} {
		resp := postJSON(t, c, nil, "/api/v1/sso/resolve", map[string]string{"email": bad})
		testutil.AssertStatus(t, resp, http.StatusBadRequest)
		_ = resp.Body.Close()
	}

	// disabling the config stops routing without deleting the domains
	disabled := false
	resp := postJSON(t, c, tn.admin, "/api/v1/sso/config", map[string]any{
		"provider":      "OKTA",
		"client_id":     oktaClientID,
		"client_secret": "okta-secret",
		"issuer":        tn.idp.URL(),
		"domains":       []string{"acme.test"},
		"enabled":       disabled,
	})
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()
	if got := resolve(t, c, "sam@acme.test"); got != nil {
		t.Fatalf("disabled config still resolves to %s", *got)
	}
}

func TestResolve_RateLimited(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{
		ResolveRateLimit: api.RateLimitConfig{RequestsPerSecond: 0.5, Burst: 2},
	})
	codes := make([]int, 3)
	for i := range codes {
		resp := postJSON(t, c, nil, "/api/v1/sso/resolve", map[string]string{"email": "a@b.test"})
		codes[i] = resp.StatusCode
		_ = resp.Body.Close()
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v", codes)
	}

	// other endpoints are not covered by the resolve limiter
	resp := get(t, c, nil, "/healthz")
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()
}

func TestSSOConfig(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})

	t.Run("requires sign in", func(t *testing.T) {
		resp := get(t, c, nil, "/api/v1/sso/config")
		testutil.AssertStatus(t, resp, http.StatusUnauthorized)
		_ = resp.Body.Close()
	})

	t.Run("requires organisation admin", func(t *testing.T) {
		outsider, _ := c.SignIn(t, "outsider@nowhere.test")
		resp := get(t, c, outsider, "/api/v1/sso/config")
		testutil.AssertStatus(t, resp, http.StatusForbidden)
		_ = resp.Body.Close()
	})

	admin, orgID := bootstrap(t, c, "admin@acme.test", "Acme")

	t.Run("empty before first save", func(t *testing.T) {
		resp := get(t, c, admin, "/api/v1/sso/config")
		testutil.AssertStatus(t, resp, http.StatusOK)
		var view struct {
			Config  *map[string]any `json:"config"`
			Domains []string        `json:"domains"`
		}
		testutil.ReadJSONResponse(t, resp, &view)
		if view.Config != nil || view.Domains == nil || len(view.Domains) != 0 {
			t.Fatalf("view = %+v", view)
		}
	})

	t.Run("validation", func(t *testing.T) {
		cases := []map[string]any{
			{"provider": "SAML", "client_id": "x", "client_secret": "y", "domains": []string{"acme.test"}},
			{"provider": "ENTRA", "client_secret": "y", "domains": []string{"acme.test"}},
			{"provider": "ENTRA", "client_id": "x", "domains": []string{"acme.test"}},
			{"provider": "OKTA", "client_id": "x", "client_secret": "y", "domains": []string{"acme.test"}},
			{"provider": "ENTRA", "client_id": "x", "client_secret": "y", "domains": []string{" "}},
			{"provider": "ENTRA", "client_id": "x", "client_secret": "y", "domains": []string{"not a domain"}},
			{"provider": "ENTRA", "client_id": "x", "client_secret": "y", "domains": []string{"acme.test"}, "unknown": true},
		}
		for i, body := range cases {
			resp := postJSON(t, c, admin, "/api/v1/sso/config", body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("case %d: status %d", i, resp.StatusCode)
			}
			_ = resp.Body.Close()
		}
	})

	t.Run("save and read back", func(t *testing.T) {
		resp := postJSON(t, c, admin, "/api/v1/sso/config", map[string]any{
			"provider":      "ENTRA",
			"client_id":     "entra-client",
			"client_secret": "entra-secret",
			"directory_id":  "tenant-guid",
			"domains":       []string{"Acme.test", "acme.test", "stage.acme.test"},
		})
		testutil.AssertStatus(t, resp, http.StatusOK)
		_ = resp.Body.Close()

		resp = get(t, c, admin, "/api/v1/sso/config")
		testutil.AssertStatus(t, resp, http.StatusOK)
		var view struct {
			Config struct {
				Provider     string `json:"provider"`
				ClientID     string `json:"client_id"`
				ClientSecret string `json:"client_secret"`
				DirectoryID  string `json:"directory_id"`
				Enabled      bool   `json:"enabled"`
			} `json:"config"`
			Domains []string `json:"domains"`
		}
		testutil.ReadJSONResponse(t, resp, &view)
		if view.Config.Provider != "ENTRA" || view.Config.ClientSecret != "entra-secret" || !view.Config.Enabled {
			t.Errorf("config = %+v", view.Config)
		}
		if strings.Join(view.Domains, ",") != "acme.test,stage.acme.test" {
			t.Errorf("domains = %v", view.Domains)
		}

		stored, err := c.Store.GetIdentityConfig(context.Background(), orgID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.ClientSecretEncrypted == "" || strings.Contains(stored.ClientSecretEncrypted, "entra-secret") {
			t.Errorf("secret stored in the clear: %q", stored.ClientSecretEncrypted)
		}
	})

	t.Run("audited without secret", func(t *testing.T) {
		events, _, err := c.AuditLogger.List(context.Background(), audit.ListOptions{ResourceType: audit.ResourceSSOConfig})
		if err != nil || len(events) == 0 {
			t.Fatalf("no sso audit events: %v", err)
		}
		for _, e := range events {
			if e.OrganisationID != orgID || e.Actor == audit.ActorAnonymous {
				t.Errorf("event = %+v", e)
			}
			for _, v := range e.Details {
				if s, ok := v.(string); ok && strings.Contains(s, "secret") {
					t.Errorf("audit event leaks secret: %+v", e.Details)
				}
			}
		}
	})

	t.Run("domain owned by another organisation", func(t *testing.T) {
		other, _ := bootstrap(t, c, "admin@rival.test", "Rival")
		resp := postJSON(t, c, other, "/api/v1/sso/config", map[string]any{
			"provider":      "GOOGLE_WORKSPACE",
			"client_id":     "g",
			"client_secret": "s",
			"domains":       []string{"rival.test", "acme.test"},
		})
		testutil.AssertStatus(t, resp, http.StatusConflict)
		_ = resp.Body.Close()
		if got := resolve(t, c, "x@rival.test"); got != nil {
			t.Fatalf("a failed save must not write domains, got %s", *got)
		}
	})

	t.Run("undecryptable secret is a server error", func(t *testing.T) {
		stored, _ := c.Store.GetIdentityConfig(context.Background(), orgID)
		stored.ClientSecretEncrypted = "v1:corrupt"
		domains, _ := c.Store.ListDomains(context.Background(), orgID)
		if _, err := c.Store.SaveIdentityConfig(context.Background(), stored, domains); err != nil {
			t.Fatal(err)
		}
		resp := get(t, c, admin, "/api/v1/sso/config")
		testutil.AssertStatus(t, resp, http.StatusInternalServerError)
		_ = resp.Body.Close()
	})
}

func TestProviders(t *testing.T) {
	idp := oidctest.NewFakeIdP(t, "static-client")
	c := testutil.NewTestServer(t, testutil.TestServerConfig{
		Static: []federation.StaticProvider{{
			ID: "google", ClientID: "static-client", ClientSecret: "s", DiscoveryURL: idp.DiscoveryURL(),
		}},
	})
	tn := newTenant(t, c, "acme.test")

	resp := get(t, c, nil, "/api/v1/auth/providers")
	testutil.AssertStatus(t, resp, http.StatusOK)
	var out struct {
		Providers []struct {
			ID     string `json:"id"`
			Source string `json:"source"`
		} `json:"providers"`
	}
	testutil.ReadJSONResponse(t, resp, &out)
	if len(out.Providers) != 2 {
		t.Fatalf("providers = %+v", out.Providers)
	}
	if out.Providers[0].ID != "google" || out.Providers[0].Source != "static" {
		t.Errorf("static provider should come first: %+v", out.Providers)
	}
	if out.Providers[1].ID != tn.providerID || out.Providers[1].Source != "dynamic" {
		t.Errorf("dynamic provider = %+v", out.Providers[1])
	}
}

func TestSignIn_DynamicProvider(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	tn := newTenant(t, c, "acme.test")
	tn.idp.SetIdentity(oidctest.Identity{Subject: "okta|sam", Email: "Sam@Acme.test", Name: "Sam Wanamaker"})

	browser := c.Browser(t)
	resp := get(t, c, browser, "/api/v1/auth/oauth2/start/"+tn.providerID+"?return_to=/invites/abc")
	_ = resp.Body.Close()
	if resp.Request.URL.Path != "/invites/abc" {
		t.Fatalf("landed on %s (status %d)", resp.Request.URL, resp.StatusCode)
	}

	resp = get(t, c, browser, "/api/v1/me")
	testutil.AssertStatus(t, resp, http.StatusOK)
	var me struct {
		User struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Name  string `json:"name"`
		} `json:"user"`
		Memberships []map[string]any `json:"memberships"`
		IsAppAdmin  bool             `json:"is_app_admin"`
	}
	testutil.ReadJSONResponse(t, resp, &me)
	if me.User.Email != "sam@acme.test" || me.User.Name != "Sam Wanamaker" || me.IsAppAdmin {
		t.Fatalf("me = %+v", me)
	}
	if me.Memberships == nil {
		t.Error("memberships should be an empty list, not null")
	}

	// signing in again reuses the same user
	resp = get(t, c, browser, "/api/v1/auth/oauth2/start/"+tn.providerID)
	_ = resp.Body.Close()
	again, err := c.Store.UpsertUserByEmail(context.Background(), "sam@acme.test", "")
	if err != nil || again.ID != me.User.ID {
		t.Fatalf("user id changed: %v %v", again, err)
	}
}

func TestSignIn_DomainMismatchRejected(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	tn := newTenant(t, c, "acme.test")
	newTenant(t, c, "rival.test")

	for _, email := range []string{"eve@rival.test", "eve@unclaimed.test"} {
		tn.idp.SetIdentity(oidctest.Identity{Subject: "okta|eve", Email: email})
		browser := c.Browser(t)
		resp := get(t, c, browser, "/api/v1/auth/oauth2/start/"+tn.providerID)
		testutil.AssertStatus(t, resp, http.StatusForbidden)
		_ = resp.Body.Close()

		resp = get(t, c, browser, "/api/v1/me")
		testutil.AssertStatus(t, resp, http.StatusUnauthorized)
		_ = resp.Body.Close()
	}
}

func TestSignIn_StaticProviderAllowsAnyDomain(t *testing.T) {
	idp := oidctest.NewFakeIdP(t, "google-client")
	idp.SetIdentity(oidctest.Identity{Subject: "g|1", Email: "freelancer@gmail.test", Name: "Free Lancer"})
	c := testutil.NewTestServer(t, testutil.TestServerConfig{
		Static: []federation.StaticProvider{{
			ID: "google", ClientID: "google-client", ClientSecret: "s", DiscoveryURL: idp.DiscoveryURL(),
		}},
	})

	browser := c.Browser(t)
	resp := get(t, c, browser, "/api/v1/auth/oauth2/start/google")
	_ = resp.Body.Close()
	if resp.Request.URL.Path != "/" {
		t.Fatalf("landed on %s", resp.Request.URL)
	}
	resp = get(t, c, browser, "/api/v1/me")
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()
}

func TestSignIn_UserInfoOnlyProvider(t *testing.T) {
	idp := oidctest.NewFakeIdP(t, "plain-client")
	idp.OmitIDToken = true
	idp.SetIdentity(oidctest.Identity{Subject: "p|1", Email: "pat@plain.test"})
	c := testutil.NewTestServer(t, testutil.TestServerConfig{
		Static: []federation.StaticProvider{{
			ID:           "plain",
			ClientID:     "plain-client",
			ClientSecret: "s",
			AuthURL:      idp.URL() + "/authorize",
			TokenURL:     idp.URL() + "/token",
			UserInfoURL:  idp.URL() + "/userinfo",
		}},
	})

	browser := c.Browser(t)
	resp := get(t, c, browser, "/api/v1/auth/oauth2/start/plain")
	_ = resp.Body.Close()
	resp = get(t, c, browser, "/api/v1/me")
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()
}

func TestOAuthCallback_Errors(t *testing.T) {
	idp := oidctest.NewFakeIdP(t, "google-client")
	c := testutil.NewTestServer(t, testutil.TestServerConfig{
		Static: []federation.StaticProvider{{
			ID: "google", ClientID: "google-client", ClientSecret: "s", DiscoveryURL: idp.DiscoveryURL(),
		}},
	})

	t.Run("unknown provider", func(t *testing.T) {
		resp := get(t, c, nil, "/api/v1/auth/oauth2/start/okta-00000000-0000-0000-0000-000000000000")
		testutil.AssertStatus(t, resp, http.StatusNotFound)
		_ = resp.Body.Close()
	})

	t.Run("idp error redirects home", func(t *testing.T) {
		resp := get(t, c, noRedirects(c.Browser(t)), federation.CallbackPath+"google?error=access_denied")
		testutil.AssertStatus(t, resp, http.StatusFound)
		_ = resp.Body.Close()
		if loc := resp.Header.Get("Location"); loc != "/?error=access_denied" {
			t.Errorf("Location = %q", loc)
		}
	})

	t.Run("missing state cookie", func(t *testing.T) {
		resp := get(t, c, nil, federation.CallbackPath+"google?code=x&state=y")
		testutil.AssertStatus(t, resp, http.StatusForbidden)
		_ = resp.Body.Close()
	})

	t.Run("state mismatch", func(t *testing.T) {
		browser := noRedirects(c.Browser(t))
		resp := get(t, c, browser, "/api/v1/auth/oauth2/start/google")
		testutil.AssertStatus(t, resp, http.StatusFound)
		_ = resp.Body.Close()

		resp = get(t, c, browser, federation.CallbackPath+"google?code=x&state=forged")
		testutil.AssertStatus(t, resp, http.StatusForbidden)
		_ = resp.Body.Close()
	})

	t.Run("state for another provider", func(t *testing.T) {
		browser := noRedirects(c.Browser(t))
		resp := get(t, c, browser, "/api/v1/auth/oauth2/start/google")
		_ = resp.Body.Close()
		resp = get(t, c, browser, federation.CallbackPath+"other?code=x&state=y")
		testutil.AssertStatus(t, resp, http.StatusForbidden)
		_ = resp.Body.Close()
	})

	t.Run("bad code", func(t *testing.T) {
		browser := noRedirects(c.Browser(t))
		resp := get(t, c, browser, "/api/v1/auth/oauth2/start/google")
		_ = resp.Body.Close()
		authURL := resp.Header.Get("Location")
		state := authURL[strings.Index(authURL, "state=")+len("state="):]
		if i := strings.Index(state, "&"); i >= 0 {
			state = state[:i]
		}
		resp = get(t, c, browser, federation.CallbackPath+"google?code=never-issued&state="+state)
		testutil.AssertStatus(t, resp, http.StatusUnauthorized)
		_ = resp.Body.Close()
	})

	t.Run("off-site return_to is ignored", func(t *testing.T) {
		idp.SetIdentity(oidctest.Identity{Subject: "g|2", Email: "x@y.test"})
		browser := c.Browser(t)
		resp := get(t, c, browser, "/api/v1/auth/oauth2/start/google?return_to=https://evil.test/")
		_ = resp.Body.Close()
		if resp.Request.URL.Host != strings.TrimPrefix(c.Server.URL, "http://") || resp.Request.URL.Path != "/" {
			t.Fatalf("landed on %s", resp.Request.URL)
		}
	})
}

func TestLogout(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	client, _ := c.SignIn(t, "ada@acme.test")

	resp := get(t, c, client, "/api/v1/me")
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = postJSON(t, c, client, "/api/v1/auth/logout", nil)
	testutil.AssertStatus(t, resp, http.StatusNoContent)
	_ = resp.Body.Close()

	resp = get(t, c, client, "/api/v1/me")
	testutil.AssertStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()
}

func TestCSRFEnforcedForSessionRequests(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	client, _ := c.SignIn(t, "ada@acme.test")

	// same cookies, no header echo
	bare := &http.Client{Jar: client.Jar}
	resp := testutil.DoRequest(t, bare, testutil.MustRequest(t, http.MethodPost, c.URL("/api/v1/organisations/bootstrap"),
		testutil.JSONBody(t, map[string]string{"name": "Acme"})))
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()
}

func TestAdminOrganisations(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{AppAdmins: []string{"Root@StageSuite.test"}})
	bootstrap(t, c, "admin@acme.test", "Acme")
	bootstrap(t, c, "admin@rival.test", "Rival")

	root, _ := c.SignIn(t, "root@stagesuite.test")
	resp := get(t, c, root, "/api/v1/admin/organisations")
	testutil.AssertStatus(t, resp, http.StatusOK)
	var out struct {
		Organisations []org `json:"organisations"`
	}
	testutil.ReadJSONResponse(t, resp, &out)
	if len(out.Organisations) != 2 {
		t.Fatalf("organisations = %+v", out.Organisations)
	}

	resp = get(t, c, root, "/api/v1/me")
	var me struct {
		IsAppAdmin bool `json:"is_app_admin"`
	}
	testutil.ReadJSONResponse(t, resp, &me)
	if !me.IsAppAdmin {
		t.Error("expected is_app_admin")
	}

	user, _ := c.SignIn(t, "admin@acme.test")
	resp = get(t, c, user, "/api/v1/admin/organisations")
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()
}

func TestBootstrapOrganisation(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	client, _ := c.SignIn(t, "ada@acme.test")

	resp := postJSON(t, c, client, "/api/v1/organisations/bootstrap", map[string]string{"name": " "})
	testutil.AssertStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	resp = postJSON(t, c, client, "/api/v1/organisations/bootstrap", map[string]string{"name": "Acme", "primary_location": "Leeds"})
	testutil.AssertStatus(t, resp, http.StatusCreated)
	_ = resp.Body.Close()

	resp = postJSON(t, c, client, "/api/v1/organisations/bootstrap", map[string]string{"name": "Second"})
	testutil.AssertStatus(t, resp, http.StatusConflict)
	_ = resp.Body.Close()
}

func TestUpdateOrganisation(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	admin, orgID := bootstrap(t, c, "admin@acme.test", "Acme")

	resp := doJSON(t, c, admin, http.MethodPatch, "/api/v1/organisations", map[string]string{
		"name":             "  Acme Players ",
		"primary_location": "Leeds",
		"contact_email":    "box@acme.test",
	})
	testutil.AssertStatus(t, resp, http.StatusOK)
	var out struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		PrimaryLocation string `json:"primary_location"`
		ContactEmail    string `json:"contact_email"`
	}
	testutil.ReadJSONResponse(t, resp, &out)
	if out.ID != orgID || out.Name != "Acme Players" || out.PrimaryLocation != "Leeds" || out.ContactEmail != "box@acme.test" {
		t.Fatalf("updated organisation = %+v", out)
	}

	resp = doJSON(t, c, admin, http.MethodPatch, "/api/v1/organisations", map[string]string{"name": ""})
	testutil.AssertStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	outsider, _ := c.SignIn(t, "bob@elsewhere.test")
	resp = doJSON(t, c, outsider, http.MethodPatch, "/api/v1/organisations", map[string]string{"name": "Taken"})
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()
}

type production struct {
	ID             string   `json:"id"`
	OrganisationID string   `json:"organisation_id"`
	Name           string   `json:"name"`
	ManagerRoles   []string `json:"manager_roles"`
}

type inviteOut struct {
	ID        string `json:"id"`
	Token     string `json:"token"`
	Role      string `json:"role"`
	AcceptURL string `json:"accept_url"`
}

func createProduction(t *testing.T, c *testutil.TestServerComponents, admin *http.Client, name string) production {
	t.Helper()
	resp := postJSON(t, c, admin, "/api/v1/productions", map[string]any{"name": name, "venue": "Main Stage"})
	testutil.AssertStatus(t, resp, http.StatusCreated)
	var p production
	testutil.ReadJSONResponse(t, resp, &p)
	return p
}

func createInvite(t *testing.T, c *testutil.TestServerComponents, client *http.Client, prodID string, body map[string]any) inviteOut {
	t.Helper()
	resp := postJSON(t, c, client, "/api/v1/productions/"+prodID+"/invites", body)
	testutil.AssertStatus(t, resp, http.StatusCreated)
	var inv inviteOut
	testutil.ReadJSONResponse(t, resp, &inv)
	return inv
}

func TestProductions(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	admin, orgID := bootstrap(t, c, "director@acme.test", "Acme")
	p := createProduction(t, c, admin, "Hamlet")
	if p.OrganisationID != orgID || strings.Join(p.ManagerRoles, ",") != "DIRECTOR" {
		t.Fatalf("production = %+v", p)
	}

	resp := postJSON(t, c, admin, "/api/v1/productions", map[string]any{"venue": "x"})
	testutil.AssertStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	resp = get(t, c, admin, "/api/v1/productions/"+p.ID)
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = get(t, c, admin, "/api/v1/productions/does-not-exist")
	testutil.AssertStatus(t, resp, http.StatusNotFound)
	_ = resp.Body.Close()

	outsider, _ := c.SignIn(t, "outsider@elsewhere.test")
	resp = get(t, c, outsider, "/api/v1/productions/"+p.ID)
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()

	resp = postJSON(t, c, outsider, "/api/v1/productions", map[string]any{"name": "Coup", "organisation_id": orgID})
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()

	resp = doJSON(t, c, admin, http.MethodPatch, "/api/v1/productions/"+p.ID, map[string]any{
		"manager_roles": []string{" STAGE_MANAGER", "BOGUS", "DIRECTOR", "STAGE_MANAGER"},
	})
	testutil.AssertStatus(t, resp, http.StatusOK)
	var updated production
	testutil.ReadJSONResponse(t, resp, &updated)
	if strings.Join(updated.ManagerRoles, ",") != "STAGE_MANAGER,DIRECTOR" {
		t.Errorf("manager roles = %v", updated.ManagerRoles)
	}

	resp = doJSON(t, c, admin, http.MethodPatch, "/api/v1/productions/"+p.ID, map[string]any{"manager_roles": []string{}})
	testutil.ReadJSONResponse(t, resp, &updated)
	if strings.Join(updated.ManagerRoles, ",") != "DIRECTOR" {
		t.Errorf("empty manager roles should reset to DIRECTOR, got %v", updated.ManagerRoles)
	}
}

func TestInvites_EndToEnd(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{EnableMetrics: true})
	admin, _ := bootstrap(t, c, "director@acme.test", "Acme")
	p := createProduction(t, c, admin, "Hamlet")

	inv := createInvite(t, c, admin, p.ID, map[string]any{"role": "STAGE_MANAGER", "max_uses": 1})
	if inv.Role != "STAGE_MANAGER" || len(inv.Token) != 48 || inv.AcceptURL != c.URL("/invites/"+inv.Token) {
		t.Fatalf("invite = %+v", inv)
	}

	// anyone can inspect
	resp := get(t, c, nil, "/api/v1/invites/"+inv.Token)
	testutil.AssertStatus(t, resp, http.StatusOK)
	var view struct {
		ProductionName string `json:"production_name"`
		State          string `json:"state"`
		UsesRemaining  *int   `json:"uses_remaining"`
	}
	testutil.ReadJSONResponse(t, resp, &view)
	if view.ProductionName != "Hamlet" || view.State != "ACTIVE" || view.UsesRemaining == nil || *view.UsesRemaining != 1 {
		t.Fatalf("view = %+v", view)
	}

	resp = postJSON(t, c, nil, "/api/v1/invites/accept", map[string]string{"token": inv.Token})
	testutil.AssertStatus(t, resp, http.StatusUnauthorized)
	_ = resp.Body.Close()

	sm, smUser := c.SignIn(t, "sm@freelance.test")
	resp = postJSON(t, c, sm, "/api/v1/invites/accept", map[string]string{"token": inv.Token})
	testutil.AssertStatus(t, resp, http.StatusOK)
	var accepted struct {
		ProductionID string `json:"productionId"`
	}
	testutil.ReadJSONResponse(t, resp, &accepted)
	if accepted.ProductionID != p.ID {
		t.Fatalf("accepted into %q", accepted.ProductionID)
	}

	late, _ := c.SignIn(t, "late@freelance.test")
	resp = postJSON(t, c, late, "/api/v1/invites/accept", map[string]string{"token": inv.Token})
	testutil.AssertStatus(t, resp, http.StatusGone)
	var gone struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	testutil.ReadJSONResponse(t, resp, &gone)
	if gone.Error != "Invite is no longer valid." || gone.Detail != "EXHAUSTED" {
		t.Errorf("410 body = %+v", gone)
	}

	resp = postJSON(t, c, late, "/api/v1/invites/accept", map[string]string{"token": "nope"})
	testutil.AssertStatus(t, resp, http.StatusNotFound)
	_ = resp.Body.Close()

	resp = postJSON(t, c, late, "/api/v1/invites/accept", map[string]string{})
	testutil.AssertStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	// only DIRECTOR manages until the production widens its manager roles
	resp = get(t, c, sm, "/api/v1/productions/"+p.ID+"/invites")
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()

	resp = doJSON(t, c, admin, http.MethodPatch, "/api/v1/productions/"+p.ID, map[string]any{
		"manager_roles": []string{"DIRECTOR", "STAGE_MANAGER"},
	})
	testutil.AssertStatus(t, resp, http.StatusOK)
	_ = resp.Body.Close()

	resp = get(t, c, sm, "/api/v1/productions/"+p.ID+"/invites")
	testutil.AssertStatus(t, resp, http.StatusOK)
	var listed struct {
		Invites []inviteOut `json:"invites"`
	}
	testutil.ReadJSONResponse(t, resp, &listed)
	if len(listed.Invites) != 1 || listed.Invites[0].ID != inv.ID {
		t.Fatalf("invites = %+v", listed.Invites)
	}

	// stage manager may now invite cast; unknown role falls back to CAST
	castInv := createInvite(t, c, sm, p.ID, map[string]any{"role": "UNDERSTUDY"})
	if castInv.Role != "CAST" {
		t.Errorf("role = %s, want CAST", castInv.Role)
	}

	resp = get(t, c, admin, "/api/v1/productions/"+p.ID+"/members")
	testutil.AssertStatus(t, resp, http.StatusOK)
	var members struct {
		Members []struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		} `json:"members"`
	}
	testutil.ReadJSONResponse(t, resp, &members)
	roles := map[string]string{}
	for _, m := range members.Members {
		roles[m.UserID] = m.Role
	}
	if roles[smUser.ID] != "STAGE_MANAGER" || len(roles) != 2 {
		t.Fatalf("members = %+v", members.Members)
	}

	resp = doJSON(t, c, admin, http.MethodPatch, "/api/v1/productions/"+p.ID+"/members/"+smUser.ID, map[string]string{"role": "CREW"})
	testutil.AssertStatus(t, resp, http.StatusNoContent)
	_ = resp.Body.Close()
	resp = doJSON(t, c, admin, http.MethodPatch, "/api/v1/productions/"+p.ID+"/members/"+smUser.ID, map[string]string{"role": "KING"})
	testutil.AssertStatus(t, resp, http.StatusBadRequest)
	_ = resp.Body.Close()

	resp = doJSON(t, c, admin, http.MethodDelete, "/api/v1/productions/"+p.ID+"/members/"+smUser.ID, nil)
	testutil.AssertStatus(t, resp, http.StatusNoContent)
	_ = resp.Body.Close()

	resp = get(t, c, nil, "/metrics")
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), `stagesuite_test_invite_accepts_total{outcome="accepted"} 1`) {
		t.Errorf("accept metric missing:\n%s", body)
	}
}

func TestInvites_CreateValidation(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	admin, _ := bootstrap(t, c, "director@acme.test", "Acme")
	p := createProduction(t, c, admin, "Hamlet")

	for _, body := range []map[string]any{
		{"max_uses": 0},
		{"expires_at": time.Now().Add(-time.Hour)},
	} {
		resp := postJSON(t, c, admin, "/api/v1/productions/"+p.ID+"/invites", body)
		testutil.AssertStatus(t, resp, http.StatusBadRequest)
		_ = resp.Body.Close()
	}

	outsider, _ := c.SignIn(t, "x@y.test")
	resp := postJSON(t, c, outsider, "/api/v1/productions/"+p.ID+"/invites", map[string]any{})
	testutil.AssertStatus(t, resp, http.StatusForbidden)
	_ = resp.Body.Close()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestInvites_Expired(t *testing.T) {
	clk := &fakeClock{now: time.Now().UTC()}
	c := testutil.NewTestServer(t, testutil.TestServerConfig{Now: clk.Now})
	admin, _ := bootstrap(t, c, "director@acme.test", "Acme")
	p := createProduction(t, c, admin, "Hamlet")
	inv := createInvite(t, c, admin, p.ID, map[string]any{"expires_at": clk.Now().Add(time.Hour)})

	clk.Advance(2 * time.Hour)

	resp := get(t, c, nil, "/api/v1/invites/"+inv.Token)
	var view struct {
		State string `json:"state"`
	}
	testutil.ReadJSONResponse(t, resp, &view)
	if view.State != "EXPIRED" {
		t.Errorf("state = %s", view.State)
	}

	joiner, _ := c.SignIn(t, "joiner@acme.test")
	resp = postJSON(t, c, joiner, "/api/v1/invites/accept", map[string]string{"token": inv.Token})
	testutil.AssertStatus(t, resp, http.StatusGone)
	var gone struct {
		Detail string `json:"detail"`
	}
	testutil.ReadJSONResponse(t, resp, &gone)
	if gone.Detail != "EXPIRED" {
		t.Errorf("detail = %q", gone.Detail)
	}
}

func TestUnauthenticatedRoutes(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/me"},
		{http.MethodGet, "/api/v1/sso/config"},
		{http.MethodPost, "/api/v1/sso/config"},
		{http.MethodPost, "/api/v1/organisations/bootstrap"},
		{http.MethodPatch, "/api/v1/organisations"},
		{http.MethodGet, "/api/v1/admin/organisations"},
		{http.MethodPost, "/api/v1/productions"},
		{http.MethodGet, "/api/v1/productions/p1/members"},
		{http.MethodPost, "/api/v1/productions/p1/invites"},
	} {
		resp := doJSON(t, c, nil, route.method, route.path, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: got %d", route.method, route.path, resp.StatusCode)
		}
		_ = resp.Body.Close()
	}
}

func TestSessionCookieAttributes(t *testing.T) {
	c := testutil.NewTestServer(t, testutil.TestServerConfig{})
	tn := newTenant(t, c, "acme.test")
	tn.idp.SetIdentity(oidctest.Identity{Subject: "s", Email: "sam@acme.test"})

	browser := c.Browser(t)
	resp := get(t, c, browser, "/api/v1/auth/oauth2/start/"+tn.providerID)
	_ = resp.Body.Close()
	u := resp.Request.URL
	var session *http.Cookie
	for _, ck := range browser.Jar.Cookies(u) {
		if ck.Name == auth.SessionCookieName {
			session = ck
		}
	}
	if session == nil || strings.Contains(session.Value, "sam@acme.test") {
		t.Fatalf("session cookie = %+v", session)
	}
}
