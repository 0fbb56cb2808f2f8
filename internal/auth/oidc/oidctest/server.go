// Package oidctest provides a fake OpenID provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// Identity is the user a FakeIdP signs in.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

type grant struct {
	id    Identity
	nonce string
}

// FakeIdP is an httptest-backed OpenID provider. It serves discovery, JWKS,
// authorize, token and userinfo endpoints and signs RS256 ID tokens.
type FakeIdP struct {
	Server   *httptest.Server
	ClientID string

	// OmitIDToken drops id_token from token responses, mimicking a plain
	// OAuth2 provider that only exposes userinfo.
	OmitIDToken bool

	key *rsa.PrivateKey

	mu       sync.Mutex
	next     Identity
	codes    map[string]grant
	accesses map[string]Identity
}

// NewFakeIdP starts a fake provider that accepts clientID. It is closed
// automatically when the test ends.
func NewFakeIdP(t *testing.T, clientID string) *FakeIdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	f := &FakeIdP{
		ClientID: clientID,
		key:      key,
		next:     Identity{Subject: "user-123", Email: "alice@example.com", Name: "Alice"},
		codes:    make(map[string]grant),
		accesses: make(map[string]Identity),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", f.handleDiscovery)
	mux.HandleFunc("GET /keys", f.handleKeys)
	mux.HandleFunc("GET /authorize", f.handleAuthorize)
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("GET /userinfo", f.handleUserInfo)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the issuer URL.
func (f *FakeIdP) URL() string { return f.Server.URL }

// DiscoveryURL is the issuer's well-known discovery document URL.
func (f *FakeIdP) DiscoveryURL() string { return f.Server.URL + "/.well-known/openid-configuration" }

// SetIdentity changes the user signed in by the next authorize request.
func (f *FakeIdP) SetIdentity(id Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = id
}

// IssueCode registers an authorization code for id bound to nonce.
func (f *FakeIdP) IssueCode(id Identity, nonce string) string {
	code := randomHex(16)
	f.mu.Lock()
	f.codes[code] = grant{id: id, nonce: nonce}
	f.mu.Unlock()
	return code
}

func (f *FakeIdP) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"issuer":                                f.Server.URL,
		"authorization_endpoint":                f.Server.URL + "/authorize",
		"token_endpoint":                        f.Server.URL + "/token",
		"userinfo_endpoint":                     f.Server.URL + "/userinfo",
		"jwks_uri":                              f.Server.URL + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"subject_types_supported":               []string{"public"},
		"response_types_supported":              []string{"code"},
	})
}

func (f *FakeIdP) handleKeys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &f.key.PublicKey,
		KeyID:     "test-key-1",
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

// handleAuthorize signs in the current identity without any UI and redirects
// back with a code.
func (f *FakeIdP) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != f.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Scheme == "" {
		http.Error(w, "bad redirect_uri", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	id := f.next
	f.mu.Unlock()

	code := f.IssueCode(id, q.Get("nonce"))
	rq := redirect.Query()
	rq.Set("code", code)
	rq.Set("state", q.Get("state"))
	redirect.RawQuery = rq.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (f *FakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientID, _, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
	}
	if clientID != f.ClientID {
		w.WriteHeader(http.StatusUnauthorized)
		writeJSON(w, map[string]string{"error": "invalid_client"})
		return
	}

	code := r.PostForm.Get("code")
	f.mu.Lock()
	g, found := f.codes[code]
	delete(f.codes, code)
	f.mu.Unlock()
	if !found {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"error": "invalid_grant"})
		return
	}

	access := "at-" + randomHex(16)
	f.mu.Lock()
	f.accesses[access] = g.id
	f.mu.Unlock()

	resp := map[string]any{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !f.OmitIDToken {
		raw, err := f.signIDToken(g)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = raw
	}
	writeJSON(w, resp)
}

func (f *FakeIdP) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	access := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	f.mu.Lock()
	id, ok := f.accesses[access]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]any{"sub": id.Subject, "email": id.Email, "name": id.Name})
}

func (f *FakeIdP) signIDToken(g grant) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: f.key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key-1"),
	)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	now := time.Now()
	claims := jwt.Claims{
		Issuer:    f.Server.URL,
		Subject:   g.id.Subject,
		Audience:  jwt.Audience{f.ClientID},
		IssuedAt:  jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
	}
	extra := map[string]any{"email": g.id.Email, "name": g.id.Name}
	if g.nonce != "" {
		extra["nonce"] = g.nonce
	}
	return jwt.Signed(signer).Claims(claims).Claims(extra).Serialize()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
