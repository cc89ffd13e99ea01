package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kcosr/termstation-sub005/internal/auth"
	"github.com/kcosr/termstation-sub005/internal/logger"
	"github.com/kcosr/termstation-sub005/internal/userstore"
)

// noPromptHeader suppresses the browser Basic-auth popup on 401s.
const noPromptHeader = "x-no-auth-prompt"

// decodeBody parses a JSON request body, bounded to 1 MiB.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// identify resolves the request identity per the auth chain: access token,
// then cookie, then Basic, then 401. With auth disabled the default user
// applies, still overridable by Basic so admins can act as themselves.
// Returns nil after writing the response when the request is unauthorized.
func (s *Server) identify(w http.ResponseWriter, r *http.Request) *userstore.Profile {
	// 1. Session-scoped access token bound to a live session.
	if token := auth.BearerToken(r); token != "" {
		if p, err := s.tokens.VerifySessionToken(token); err == nil {
			if sess := s.sessions.GetSession(p.SessionID); sess != nil {
				snap := sess.Snapshot()
				return s.users.Resolve(snap.CreatedBy)
			}
		}
	}

	// 2. Session cookie; a valid one is refreshed on the way out.
	if c, err := r.Cookie(auth.CookieName); err == nil {
		if p, err := s.tokens.VerifyCookie(c.Value); err == nil {
			s.issueCookie(w, r, p.Username)
			return s.users.Resolve(p.Username)
		}
	}

	// 3. Basic credentials mint a fresh cookie.
	if username, password, ok := r.BasicAuth(); ok {
		profile, err := s.users.Authenticate(username, password)
		if err == nil {
			s.issueCookie(w, r, username)
			return profile
		}
		if s.cfg.Auth.Enabled {
			logger.Debug("basic auth failed", "user", username)
			s.unauthorized(w, r)
			return nil
		}
	}

	// 4. Auth disabled: everyone is the default user, profile still
	// resolved so permission edits keep applying.
	if !s.cfg.Auth.Enabled {
		return s.users.Resolve(s.cfg.Auth.DefaultUser)
	}

	s.unauthorized(w, r)
	return nil
}

func (s *Server) unauthorized(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get(noPromptHeader) != "1" {
		w.Header().Set("WWW-Authenticate", `Basic realm="termstation"`)
	}
	writeError(w, http.StatusUnauthorized, "authentication required")
}

func (s *Server) issueCookie(w http.ResponseWriter, r *http.Request, username string) {
	ttl := time.Duration(s.cfg.Auth.CookieTTLH) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	value, err := s.tokens.IssueCookie(username, ttl)
	if err != nil {
		logger.Warn("cookie issue failed", "user", username, "error", err)
		return
	}
	auth.SetSessionCookie(w, r, value, int(ttl.Seconds()), s.cfg.Auth.TrustProxyHeaders)
}

// requirePermission gates a handler on one permission key.
func (s *Server) requirePermission(profile *userstore.Profile, permission string, w http.ResponseWriter) bool {
	if profile.Can(permission) {
		return true
	}
	writeError(w, http.StatusForbidden, "missing permission: "+permission)
	return false
}
