package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tokens and cookies share one wire format:
//
//	v1.<base64url(payload)>.<hex(HMAC-SHA256(payload))>
//
// Verification failures are deliberately opaque: callers get ErrInvalidToken
// whether the structure was malformed, the signature bad, or the token
// expired. The distinction is logged server-side only.

var ErrInvalidToken = errors.New("invalid token")

const tokenVersion = "v1"

// Token type discriminators inside the payload.
const (
	TypeTunnel  = "tunnel"
	TypeSession = "session"
)

// CookiePayload is the signed content of the ts_session cookie.
// Expiry is mandatory.
type CookiePayload struct {
	Username string `json:"username"`
	IssuedAt int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

// TokenPayload is the signed content of a session-scoped access token.
// Expires of zero means the token lives as long as the bound session.
type TokenPayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	IssuedAt  int64  `json:"iat"`
	Expires   int64  `json:"exp,omitempty"`
}

// Service signs and verifies cookies and access tokens with one
// HMAC-SHA256 secret.
type Service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret []byte) *Service {
	return &Service{secret: secret, now: time.Now}
}

func (s *Service) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return tokenVersion + "." +
		base64.RawURLEncoding.EncodeToString(payload) + "." +
		hex.EncodeToString(mac.Sum(nil))
}

// verify checks structure and signature and returns the raw payload.
func (s *Service) verify(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != tokenVersion {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrInvalidToken
	}
	return payload, nil
}

// IssueCookie mints a session cookie value for username.
func (s *Service) IssueCookie(username string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("cookie ttl must be positive")
	}
	now := s.now()
	payload, err := json.Marshal(CookiePayload{
		Username: username,
		IssuedAt: now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	return s.sign(payload), nil
}

// VerifyCookie validates a cookie value and returns its payload.
func (s *Service) VerifyCookie(value string) (*CookiePayload, error) {
	raw, err := s.verify(value)
	if err != nil {
		return nil, err
	}
	var p CookiePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidToken
	}
	if p.Username == "" || p.Expires == 0 {
		return nil, ErrInvalidToken
	}
	if s.now().Unix() >= p.Expires {
		return nil, ErrInvalidToken
	}
	return &p, nil
}

// IssueSessionToken mints an access token bound to sessionID. ttl of zero
// produces an open-ended token gated only by session liveness.
func (s *Service) IssueSessionToken(tokenType, sessionID string, ttl time.Duration) (string, error) {
	if tokenType != TypeTunnel && tokenType != TypeSession {
		return "", fmt.Errorf("unknown token type %q", tokenType)
	}
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}
	p := TokenPayload{
		Type:      tokenType,
		SessionID: sessionID,
		IssuedAt:  s.now().Unix(),
	}
	if ttl > 0 {
		p.Expires = s.now().Add(ttl).Unix()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return s.sign(payload), nil
}

// VerifySessionToken validates an access token and returns its payload.
// Session liveness is the caller's check; this only covers structure,
// signature and expiry.
func (s *Service) VerifySessionToken(value string) (*TokenPayload, error) {
	raw, err := s.verify(value)
	if err != nil {
		return nil, err
	}
	var p TokenPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ErrInvalidToken
	}
	if p.SessionID == "" || (p.Type != TypeTunnel && p.Type != TypeSession) {
		return nil, ErrInvalidToken
	}
	if p.Expires != 0 && s.now().Unix() >= p.Expires {
		return nil, ErrInvalidToken
	}
	return &p, nil
}
