package session

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
)

// Validator is the cookie strategy the access gate consults first.
//
// A session is valid when it can be loaded, carries backend credentials and,
// if it has an expiry time, has not expired. When a session TTL is configured
// every session must carry an expiry time; with keep-alive enabled a valid
// session's expiry is pushed forward on each request.
type Validator struct {
	manager   *Manager
	ttl       time.Duration
	keepAlive bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewValidator creates a Validator for sessions managed by manager.
func NewValidator(manager *Manager, ttl time.Duration, keepAlive bool, logger *slog.Logger) *Validator {
	return &Validator{
		manager:   manager,
		ttl:       ttl,
		keepAlive: keepAlive,
		logger:    logger,
		now:       time.Now,
	}
}

// Validate returns the session attached to r or one of the domain session
// validation errors. Expired sessions are cleared.
func (v *Validator) Validate(w http.ResponseWriter, r *http.Request) (*domain.Session, error) {
	s, err := v.manager.Get(r)
	if err != nil {
		return nil, err
	}

	if !s.HasCredentials() {
		return nil, domain.ErrSessionInvalid
	}

	now := v.now()
	if s.IsExpired(now) || (v.ttl > 0 && s.ExpiryTime == nil) {
		if err := v.manager.Clear(r.Context(), w, r); err != nil {
			v.logger.Warn("failed to clear expired session", "error", err, "username", s.Username)
		}
		return nil, domain.ErrSessionExpired
	}

	if v.ttl > 0 && v.keepAlive {
		s.Touch(now, v.ttl)
		if err := v.manager.Update(r.Context(), w, r, s); err != nil {
			// The session is still valid for this request.
			v.logger.Warn("failed to extend session", "error", err, "username", s.Username)
		}
	}

	return s, nil
}
