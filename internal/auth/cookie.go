package auth

import (
	"net/http"
	"strings"
)

// CookieName is the session cookie set on successful authentication.
const CookieName = "ts_session"

// TokenHeader is the header carrying a session-scoped access token.
const TokenHeader = "x-session-token"

// SetSessionCookie writes the session cookie. Behind TLS (direct or via a
// trusted proxy claiming https) the cookie is SameSite=None; Secure so
// embedded frontends work; on plain localhost it falls back to Lax.
func SetSessionCookie(w http.ResponseWriter, r *http.Request, value string, maxAge int, trustProxy bool) {
	secure := RequestIsTLS(r, trustProxy)
	sameSite := http.SameSiteLaxMode
	if secure {
		sameSite = http.SameSiteNoneMode
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
	})
}

// ClearSessionCookie expires the session cookie.
func ClearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

// RequestIsTLS reports whether the request arrived over TLS, honoring
// X-Forwarded-Proto only when proxy headers are trusted.
func RequestIsTLS(r *http.Request, trustProxy bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustProxy && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return false
}

// BearerToken extracts an access token from the request: the token query
// parameter first, then the x-session-token header. Empty when absent.
func BearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return r.Header.Get(TokenHeader)
}
