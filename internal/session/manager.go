package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/google/uuid"
)

// CookieConfig controls the session cookie attributes.
type CookieConfig struct {
	Name   string
	Path   string
	Secure bool
	// TTL sets the cookie Max-Age. Zero produces a browser-session cookie.
	TTL time.Duration
}

// Manager reads, writes and clears the session attached to a request.
//
// Without a Store the whole session is sealed into the cookie. With a Store,
// the cookie carries only a sealed session id and the session itself lives in
// the store.
type Manager struct {
	sealer *Sealer
	store  Store
	cookie CookieConfig
}

// NewManager creates a Manager. store may be nil for cookie-only sessions.
func NewManager(sealer *Sealer, store Store, cookie CookieConfig) *Manager {
	if cookie.Name == "" {
		cookie.Name = DefaultCookieName
	}
	if cookie.Path == "" {
		cookie.Path = CookiePath
	}
	return &Manager{
		sealer: sealer,
		store:  store,
		cookie: cookie,
	}
}

// CookieName returns the name of the session cookie.
func (m *Manager) CookieName() string {
	return m.cookie.Name
}

// Get loads the session for r.
//
// Returns domain.ErrNoSession when the request carries no session cookie and
// domain.ErrSessionInvalid when the cookie cannot be opened or refers to an
// unknown session.
func (m *Manager) Get(r *http.Request) (*domain.Session, error) {
	s, _, err := m.load(r)
	return s, err
}

// Set stores s as a new session and writes the session cookie.
// Any session previously attached to r is discarded.
func (m *Manager) Set(ctx context.Context, w http.ResponseWriter, r *http.Request, s *domain.Session) error {
	if m.store == nil {
		return m.writeSessionCookie(w, s)
	}

	if id, ok := m.sessionID(r); ok {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("discard previous session: %w", err)
		}
	}

	return m.put(ctx, w, uuid.NewString(), s)
}

// Update persists changes to the session already attached to r, keeping its id.
func (m *Manager) Update(ctx context.Context, w http.ResponseWriter, r *http.Request, s *domain.Session) error {
	if m.store == nil {
		return m.writeSessionCookie(w, s)
	}

	id, ok := m.sessionID(r)
	if !ok {
		id = uuid.NewString()
	}
	return m.put(ctx, w, id, s)
}

// Clear removes the session attached to r and expires the cookie.
// The cookie is expired even when the store delete fails.
func (m *Manager) Clear(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var err error
	if m.store != nil {
		if id, ok := m.sessionID(r); ok {
			err = m.store.Delete(ctx, id)
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     m.cookie.Name,
		Value:    "",
		Path:     m.cookie.Path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	return err
}

func (m *Manager) load(r *http.Request) (*domain.Session, string, error) {
	cookie, err := r.Cookie(m.cookie.Name)
	if err != nil || cookie.Value == "" {
		return nil, "", domain.ErrNoSession
	}

	payload, err := m.sealer.Open(cookie.Value)
	if err != nil {
		if errors.Is(err, ErrSealExpired) {
			return nil, "", domain.ErrSessionExpired
		}
		return nil, "", domain.ErrSessionInvalid
	}

	if m.store == nil {
		var s domain.Session
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, "", domain.ErrSessionInvalid
		}
		return &s, "", nil
	}

	id := string(payload)
	s, err := m.store.Get(r.Context(), id)
	if err != nil {
		return nil, "", err
	}
	return s, id, nil
}

func (m *Manager) sessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(m.cookie.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	payload, err := m.sealer.Open(cookie.Value)
	if err != nil {
		return "", false
	}
	return string(payload), true
}

func (m *Manager) put(ctx context.Context, w http.ResponseWriter, id string, s *domain.Session) error {
	if err := m.store.Put(ctx, id, s); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	value, err := m.sealer.Seal([]byte(id))
	if err != nil {
		return fmt.Errorf("seal session id: %w", err)
	}
	m.setCookie(w, value)
	return nil
}

func (m *Manager) writeSessionCookie(w http.ResponseWriter, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	value, err := m.sealer.Seal(data)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	m.setCookie(w, value)
	return nil
}

// setCookie writes the session cookie.
//
// Cookie Settings:
// - HttpOnly: true - Prevents JavaScript access
// - Secure: configurable - true unless running in development
// - SameSite: Lax - Allows top-level navigation, blocks cross-site POSTs
// - MaxAge: from COOKIE_TTL, omitted for browser-session cookies
func (m *Manager) setCookie(w http.ResponseWriter, value string) {
	cookie := &http.Cookie{
		Name:     m.cookie.Name,
		Value:    value,
		Path:     m.cookie.Path,
		HttpOnly: true,
		Secure:   m.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if m.cookie.TTL > 0 {
		cookie.MaxAge = int(m.cookie.TTL.Seconds())
	}
	http.SetCookie(w, cookie)
}
