package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"stagesuite/internal/auth"
)

const (
	csrfTokenLength = 32
	CSRFHeaderName  = "X-CSRF-Token"
	CSRFCookieName  = "csrf_token"
)

// CSRFMiddleware adds double-submit CSRF protection for session-authenticated
// state-changing requests. Requests that carry no session cookie have no
// ambient authority and are exempt, as is the OAuth flow, which is protected
// by its state parameter.
func CSRFMiddleware(secure bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				if _, err := r.Cookie(CSRFCookieName); err != nil {
					if token, err := auth.RandomString(csrfTokenLength); err == nil {
						http.SetCookie(w, &http.Cookie{
							Name:     CSRFCookieName,
							Value:    token,
							Path:     "/",
							HttpOnly: false, // JS needs to read it
							Secure:   secure,
							SameSite: http.SameSiteLaxMode,
						})
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if _, err := r.Cookie(auth.SessionCookieName); err != nil || strings.HasPrefix(r.URL.Path, "/api/v1/auth/oauth2/") {
				next.ServeHTTP(w, r)
				return
			}

			cookie, err := r.Cookie(CSRFCookieName)
			if err != nil {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token missing", Detail: "csrf_token cookie required"})
				return
			}
			headerToken := r.Header.Get(CSRFHeaderName)
			if headerToken == "" || subtle.ConstantTimeCompare([]byte(headerToken), []byte(cookie.Value)) != 1 {
				writeJSON(w, http.StatusForbidden, apiError{Error: "CSRF token invalid", Detail: "X-CSRF-Token header must match csrf_token cookie"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
