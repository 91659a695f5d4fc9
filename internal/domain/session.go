package domain

import (
	"encoding/json"
	"log/slog"
	"time"
)

// Credentials is a username/password pair taken from a query string or login
// form. It is never persisted or logged.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// IsComplete reports whether both username and password are present.
func (c Credentials) IsComplete() bool {
	return c.Username != "" && c.Password != ""
}

// LogValue keeps the password out of structured logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username))
}

// User is the result of a successful backend authentication.
//
// Credentials and ProxyCredentials are opaque to everything except the backend
// that produced them; they are stored in the session and handed back to the
// backend when authorization headers are computed.
type User struct {
	Username         string
	Credentials      json.RawMessage
	ProxyCredentials json.RawMessage
}

// Session identifies an authenticated user across requests.
type Session struct {
	Username         string          `json:"username"`
	Credentials      json.RawMessage `json:"credentials,omitempty"`
	ProxyCredentials json.RawMessage `json:"proxyCredentials,omitempty"`
	ExpiryTime       *time.Time      `json:"expiryTime,omitempty"`
}

// NewSession builds a session for user. ExpiryTime is set if and only if ttl
// is positive.
func NewSession(user *User, now time.Time, ttl time.Duration) *Session {
	s := &Session{
		Username:         user.Username,
		Credentials:      user.Credentials,
		ProxyCredentials: user.ProxyCredentials,
	}
	if ttl > 0 {
		expiry := now.Add(ttl)
		s.ExpiryTime = &expiry
	}
	return s
}

// IsExpired reports whether the session has an expiry time at or before now.
// A session without an expiry time never expires.
func (s *Session) IsExpired(now time.Time) bool {
	if s.ExpiryTime == nil {
		return false
	}
	return !now.Before(*s.ExpiryTime)
}

// Touch moves the expiry time to now + ttl. It is a no-op for ttl <= 0.
func (s *Session) Touch(now time.Time, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	expiry := now.Add(ttl)
	s.ExpiryTime = &expiry
}

// HasCredentials reports whether the session carries backend credentials.
func (s *Session) HasCredentials() bool {
	return len(s.Credentials) > 0 && string(s.Credentials) != "null"
}
