// Package csrf protects the login form with the double-submit cookie pattern.
//
// A random token is set in a cookie and repeated in a hidden form field. A
// cross-site form can make the browser send the cookie but cannot read it,
// so it cannot repeat the token in the body.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"
)

const (
	// DefaultCookieName is used when Config.CookieName is empty.
	DefaultCookieName = "guardpost_csrf"

	// FormFieldName is the name of the hidden form field carrying the token.
	FormFieldName = "csrf_token"

	// TokenLength is the number of random bytes for the token (32 bytes = 256 bits).
	TokenLength = 32

	// DefaultMaxAge is the lifetime of the token cookie.
	DefaultMaxAge = time.Hour
)

// Config controls the token cookie.
type Config struct {
	CookieName string
	Path       string // Scope the cookie to the login page
	Secure     bool
	MaxAge     time.Duration
}

// Protector issues and checks form tokens.
type Protector struct {
	cfg Config
}

func New(cfg Config) *Protector {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Protector{cfg: cfg}
}

// GenerateToken returns 32 random bytes, base64 URL-encoded (43 characters).
func GenerateToken() (string, error) {
	b := make([]byte, TokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateToken compares the cookie token with the form token in constant time.
func ValidateToken(cookieToken, formToken string) bool {
	if cookieToken == "" || formToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(cookieToken), []byte(formToken)) == 1
}

// Validate checks the form token of r against its cookie.
// The form must already be parsed, or FormValue parses it.
func (p *Protector) Validate(r *http.Request) bool {
	cookie, err := r.Cookie(p.cfg.CookieName)
	if err != nil {
		return false
	}
	return ValidateToken(cookie.Value, r.FormValue(FormFieldName))
}

// EnsureToken returns the token already carried by r, or issues a new one.
func (p *Protector) EnsureToken(w http.ResponseWriter, r *http.Request) (string, error) {
	if cookie, err := r.Cookie(p.cfg.CookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	return p.RefreshToken(w)
}

// RefreshToken issues a new token, replacing any previous one. The login
// handler calls it after a successful submission so a token is not reused.
func (p *Protector) RefreshToken(w http.ResponseWriter) (string, error) {
	token, err := GenerateToken()
	if err != nil {
		return "", err
	}

	// SameSite Strict: the token is only ever needed by same-site form posts.
	http.SetCookie(w, &http.Cookie{
		Name:     p.cfg.CookieName,
		Value:    token,
		Path:     p.cfg.Path,
		MaxAge:   int(p.cfg.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   p.cfg.Secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}
