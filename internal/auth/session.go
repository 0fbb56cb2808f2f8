// Package auth carries the signed-in user between requests in encrypted
// cookies.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// Cookie names.
const (
	SessionCookieName = "stagesuite_session"
	OAuthCookieName   = "stagesuite_oauth"
)

// DefaultSessionDuration is the default session lifetime.
const DefaultSessionDuration = 12 * time.Hour

// OAuthStateDuration bounds the time between redirecting to an IdP and its callback.
const OAuthStateDuration = 10 * time.Minute

// StateLength is the number of random bytes in state and nonce values.
const StateLength = 32

// Session errors.
var (
	// ErrNoSession indicates the request carries no session cookie.
	ErrNoSession = errors.New("no session")

	// ErrSessionExpired indicates the session has expired.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidSession indicates the cookie could not be decoded or is incomplete.
	ErrInvalidSession = errors.New("invalid session")
)

// Session is the signed-in user, stored client side.
type Session struct {
	UserID    string    `json:"uid"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"exp"`
}

// IsExpired reports whether the session has expired at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsValid returns true if the session has required fields and is unexpired at now.
func (s *Session) IsValid(now time.Time) bool {
	return s.UserID != "" && s.Email != "" && !s.IsExpired(now)
}

// OAuthState is held across the IdP redirect.
type OAuthState struct {
	State      string    `json:"state"`
	Nonce      string    `json:"nonce"`
	ProviderID string    `json:"pid"`
	Verifier   string    `json:"pkce"`
	ReturnTo   string    `json:"return_to,omitempty"`
	ExpiresAt  time.Time `json:"exp"`
}

// SessionManager encodes sessions into signed and encrypted cookies.
type SessionManager struct {
	codec  *securecookie.SecureCookie
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionTTL sets the session lifetime.
func WithSessionTTL(d time.Duration) SessionOption {
	return func(m *SessionManager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithSecureCookies marks cookies Secure. Use behind https.
func WithSecureCookies(secure bool) SessionOption {
	return func(m *SessionManager) { m.secure = secure }
}

// WithSessionClock overrides the time source.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// NewSessionManager returns a manager using hashKey for signing and blockKey
// for AES encryption. Nil keys are replaced with random ones, which means
// sessions do not survive a restart.
func NewSessionManager(hashKey, blockKey []byte, opts ...SessionOption) *SessionManager {
	if hashKey == nil {
		hashKey = securecookie.GenerateRandomKey(64)
	}
	if blockKey == nil {
		blockKey = securecookie.GenerateRandomKey(32)
	}
	m := &SessionManager{
		ttl: DefaultSessionDuration,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.codec = securecookie.New(hashKey, blockKey).
		SetSerializer(securecookie.JSONEncoder{}).
		MaxAge(int(m.ttl / time.Second))
	return m
}

// TTL returns the session lifetime.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

// Issue writes a session cookie for the user and returns the session.
func (m *SessionManager) Issue(w http.ResponseWriter, userID, email string) (*Session, error) {
	s := &Session{UserID: userID, Email: email, ExpiresAt: m.now().Add(m.ttl)}
	if !s.IsValid(m.now()) {
		return nil, ErrInvalidSession
	}
	encoded, err := m.codec.Encode(SessionCookieName, s)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	http.SetCookie(w, m.cookie(SessionCookieName, "/", encoded, s.ExpiresAt))
	return s, nil
}

// Read decodes the session cookie on r.
func (m *SessionManager) Read(r *http.Request) (*Session, error) {
	c, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	var s Session
	if err := m.codec.Decode(SessionCookieName, c.Value, &s); err != nil {
		return nil, ErrInvalidSession
	}
	if s.IsExpired(m.now()) {
		return nil, ErrSessionExpired
	}
	if !s.IsValid(m.now()) {
		return nil, ErrInvalidSession
	}
	return &s, nil
}

// Clear expires the session cookie.
func (m *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, m.expired(SessionCookieName, "/"))
}

const oauthCookiePath = "/api/v1/auth/oauth2/"

// IssueOAuth writes the short-lived cookie carrying st across the IdP redirect.
func (m *SessionManager) IssueOAuth(w http.ResponseWriter, st *OAuthState) error {
	st.ExpiresAt = m.now().Add(OAuthStateDuration)
	encoded, err := m.codec.Encode(OAuthCookieName, st)
	if err != nil {
		return fmt.Errorf("encode oauth state: %w", err)
	}
	http.SetCookie(w, m.cookie(OAuthCookieName, oauthCookiePath, encoded, st.ExpiresAt))
	return nil
}

// ReadOAuth decodes the OAuth state cookie on r.
func (m *SessionManager) ReadOAuth(r *http.Request) (*OAuthState, error) {
	c, err := r.Cookie(OAuthCookieName)
	if err != nil {
		return nil, ErrNoSession
	}
	var st OAuthState
	if err := m.codec.Decode(OAuthCookieName, c.Value, &st); err != nil {
		return nil, ErrInvalidSession
	}
	if !m.now().Before(st.ExpiresAt) {
		return nil, ErrSessionExpired
	}
	if st.State == "" || st.Nonce == "" || st.ProviderID == "" {
		return nil, ErrInvalidSession
	}
	return &st, nil
}

// ClearOAuth expires the OAuth state cookie.
func (m *SessionManager) ClearOAuth(w http.ResponseWriter) {
	http.SetCookie(w, m.expired(OAuthCookieName, oauthCookiePath))
}

func (m *SessionManager) cookie(name, path, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Expires:  expires,
		MaxAge:   int(expires.Sub(m.now()) / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *SessionManager) expired(name, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// RandomString returns n bytes of crypto/rand output, hex encoded.
func RandomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
