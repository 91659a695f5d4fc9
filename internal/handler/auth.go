// Package handler contains the HTTP handlers guardpost serves itself.
//
// This file implements the login page, the JSON login/logout endpoints and
// the authinfo endpoint. Everything else is proxied upstream.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/DukeRupert/guardpost/internal/auth"
	"github.com/DukeRupert/guardpost/internal/backend"
	"github.com/DukeRupert/guardpost/internal/csrf"
	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/DukeRupert/guardpost/internal/metrics"
	"github.com/DukeRupert/guardpost/internal/session"
)

// maxLoginBody bounds the JSON login request body.
const maxLoginBody = 64 << 10

// =============================================================================
// Handler Configuration
// =============================================================================

// LoginLimiter is the part of the login rate limiter the handlers use.
// Middleware in front of the login routes refuses exhausted clients; the
// handlers report each outcome.
type LoginLimiter interface {
	RecordFailedLogin(ip string)
	ResetLogin(ip string)
}

// AuthConfig holds the paths and session settings of the auth handlers.
type AuthConfig struct {
	BasePath   string
	AppRoot    string
	APIRoot    string
	SessionTTL time.Duration
}

// LoginPath is the public path of the login page.
func (c AuthConfig) LoginPath() string {
	return c.BasePath + c.AppRoot + "/login"
}

// HomePath is where a login without a usable next URL lands.
func (c AuthConfig) HomePath() string {
	return c.BasePath + "/"
}

// AuthHandler handles login, logout and session info requests.
//
// Routes handled:
// - GET  {appRoot}/login             -> ShowLogin
// - POST {appRoot}/login             -> Login
// - POST {appRoot}/logout            -> Logout
// - POST {apiRoot}/v1/auth/login     -> APILogin
// - POST {apiRoot}/v1/auth/logout    -> APILogout
// - GET  {apiRoot}/v1/auth/authinfo  -> AuthInfo (gated)
type AuthHandler struct {
	backend  backend.Authenticator
	sessions *session.Manager
	limiter  LoginLimiter
	csrf     *csrf.Protector
	renderer TemplateRenderer
	cfg      AuthConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthHandler creates a new AuthHandler. limiter may be nil.
func NewAuthHandler(
	authenticator backend.Authenticator,
	sessions *session.Manager,
	limiter LoginLimiter,
	protector *csrf.Protector,
	renderer TemplateRenderer,
	cfg AuthConfig,
	logger *slog.Logger,
) *AuthHandler {
	return &AuthHandler{
		backend:  authenticator,
		sessions: sessions,
		limiter:  limiter,
		csrf:     protector,
		renderer: renderer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Flash represents a one-time message shown on the login page.
type Flash struct {
	Type    string // "success", "error", or "info"
	Message string
}

// LoginPageData is passed to the login page template.
type LoginPageData struct {
	Action    string            // Form action, including the base path
	CSRFToken string            // Token for form protection
	Form      map[string]string // Form field values for re-populating on error
	Errors    map[string]string // Field-level validation errors
	Flash     *Flash
	Next      string // URL to redirect to after successful login
}

// =============================================================================
// GET {appRoot}/login - Show Login Form
// =============================================================================

// ShowLogin displays the login form. A client that already holds a valid
// session is sent on to next (or home) instead.
func (h *AuthHandler) ShowLogin(w http.ResponseWriter, r *http.Request) {
	next := r.URL.Query().Get("next")

	if s, err := h.sessions.Get(r); err == nil && s.HasCredentials() && !s.IsExpired(h.now()) {
		http.Redirect(w, r, h.redirectTarget(next), http.StatusSeeOther)
		return
	}

	var flash *Flash
	if r.URL.Query().Get("logout") == "1" {
		flash = &Flash{Type: "success", Message: "You have been signed out."}
	}

	h.renderLogin(w, r, http.StatusOK, next, nil, nil, flash)
}

// =============================================================================
// POST {appRoot}/login - Process Login
// =============================================================================

// Login processes the login form submission.
//
// Failures re-render the form with a generic message; the backend's own
// message is never shown so it cannot reveal which usernames exist.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.logger.Warn("failed to parse login form", "error", err)
		h.renderLogin(w, r, http.StatusBadRequest, "", nil, nil, &Flash{
			Type:    "error",
			Message: "Invalid form submission. Please try again.",
		})
		return
	}

	creds := domain.Credentials{
		Username: strings.TrimSpace(r.PostFormValue("username")),
		Password: r.PostFormValue("password"),
	}
	next := r.PostFormValue("next")
	formValues := map[string]string{"Username": creds.Username}

	if !h.csrf.Validate(r) {
		h.logger.Warn("login form with invalid csrf token", "ip", auth.ClientIP(r))
		h.renderLogin(w, r, http.StatusForbidden, next, formValues, nil, &Flash{
			Type:    "error",
			Message: "Your form has expired. Please try again.",
		})
		return
	}

	fieldErrors := make(map[string]string)
	if creds.Username == "" {
		fieldErrors["username"] = "Username is required"
	}
	if creds.Password == "" {
		fieldErrors["password"] = "Password is required"
	}
	if len(fieldErrors) > 0 {
		h.renderLogin(w, r, http.StatusBadRequest, next, formValues, fieldErrors, nil)
		return
	}

	if _, err := h.startSession(w, r, creds, "form"); err != nil {
		status := ErrorCodeToHTTPStatus(domain.ErrorCode(err))
		message := "Login failed. Please try again later."
		if status == http.StatusUnauthorized {
			message = "Invalid username or password"
		}
		h.renderLogin(w, r, status, next, formValues, nil, &Flash{Type: "error", Message: message})
		return
	}

	// The submitted token has done its job; the next form gets a fresh one.
	if _, err := h.csrf.RefreshToken(w); err != nil {
		h.logger.Warn("failed to rotate csrf token", "error", err)
	}

	http.Redirect(w, r, h.redirectTarget(next), http.StatusSeeOther)
}

// renderLogin renders the login form with a fresh CSRF token.
func (h *AuthHandler) renderLogin(
	w http.ResponseWriter,
	r *http.Request,
	status int,
	next string,
	formValues map[string]string,
	fieldErrors map[string]string,
	flash *Flash,
) {
	if formValues == nil {
		formValues = make(map[string]string)
	}
	if fieldErrors == nil {
		fieldErrors = make(map[string]string)
	}

	token, err := h.csrf.EnsureToken(w, r)
	if err != nil {
		InternalErrorResponse(w, r, h.logger, err)
		return
	}

	if !isSafeRedirectURL(next) {
		next = ""
	}

	h.renderer.RenderHTTP(w, status, "login", LoginPageData{
		Action:    h.cfg.LoginPath(),
		CSRFToken: token,
		Form:      formValues,
		Errors:    fieldErrors,
		Flash:     flash,
		Next:      next,
	})
}

// =============================================================================
// POST {appRoot}/logout - Process Logout
// =============================================================================

// Logout clears the session and returns to the login page.
// This operation is idempotent - calling without a session is fine.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSession(w, r)
	http.Redirect(w, r, h.cfg.LoginPath()+"?logout=1", http.StatusSeeOther)
}

// =============================================================================
// JSON API
// =============================================================================

// LoginRequest is the body of POST {apiRoot}/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// SessionInfo describes the current session.
type SessionInfo struct {
	Username         string          `json:"username"`
	ExpiryTime       *time.Time      `json:"expiryTime,omitempty"`
	ProxyCredentials json.RawMessage `json:"proxyCredentials,omitempty"`
}

func newSessionInfo(s *domain.Session) SessionInfo {
	return SessionInfo{
		Username:         s.Username,
		ExpiryTime:       s.ExpiryTime,
		ProxyCredentials: s.ProxyCredentials,
	}
}

// APILogin authenticates a JSON body and starts a session.
func (h *AuthHandler) APILogin(w http.ResponseWriter, r *http.Request) {
	const op = "handler.apiLogin"

	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		JSONErrorResponse(w, r, h.logger, domain.Invalid(op, "Request body must be a JSON object with username and password"))
		return
	}

	creds := domain.Credentials{Username: strings.TrimSpace(req.Username), Password: req.Password}
	if !creds.IsComplete() {
		JSONErrorResponse(w, r, h.logger, domain.Invalid(op, "Username and password are required"))
		return
	}

	s, err := h.startSession(w, r, creds, "api")
	if err != nil {
		JSONErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, newSessionInfo(s))
}

// APILogout clears the session.
func (h *AuthHandler) APILogout(w http.ResponseWriter, r *http.Request) {
	h.clearSession(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// AuthInfo returns the session attached by the gate.
func (h *AuthHandler) AuthInfo(w http.ResponseWriter, r *http.Request) {
	s := auth.GetSession(r.Context())
	if s == nil {
		UnauthorizedResponse(w, r, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, newSessionInfo(s))
}

// =============================================================================
// Session Helpers
// =============================================================================

// startSession authenticates creds and stores a new session.
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, creds domain.Credentials, source string) (*domain.Session, error) {
	const op = "handler.login"
	clientIP := auth.ClientIP(r)

	user, err := h.backend.Authenticate(r.Context(), creds)
	if err != nil {
		var authErr *domain.AuthenticationError
		if errors.As(err, &authErr) {
			if h.limiter != nil {
				h.limiter.RecordFailedLogin(clientIP)
			}
			h.logger.Info("login rejected", "credentials", creds, "ip", clientIP, "source", source)
			return nil, domain.Unauthorized(op, "Invalid username or password")
		}
		h.logger.Error("login failed", "error", err, "username", creds.Username, "source", source)
		return nil, err
	}

	s := domain.NewSession(user, h.now(), h.cfg.SessionTTL)
	if err := h.sessions.Set(r.Context(), w, r, s); err != nil {
		return nil, domain.Internal(err, op, "failed to store session")
	}

	if h.limiter != nil {
		h.limiter.ResetLogin(clientIP)
	}
	metrics.SessionCreated(source)

	h.logger.Info("user logged in", "username", s.Username, "ip", clientIP, "source", source)
	return s, nil
}

func (h *AuthHandler) clearSession(w http.ResponseWriter, r *http.Request) {
	username := ""
	if s, err := h.sessions.Get(r); err == nil {
		username = s.Username
	}

	// Always clear the cookie, even if the store delete fails
	if err := h.sessions.Clear(r.Context(), w, r); err != nil {
		h.logger.Warn("failed to delete session from store", "error", err)
	}
	metrics.SessionLoggedOut()

	h.logger.Debug("user logged out", "username", username)
}

// redirectTarget returns next when it is a safe local URL, home otherwise.
func (h *AuthHandler) redirectTarget(next string) string {
	if next != "" && isSafeRedirectURL(next) {
		return next
	}
	return h.cfg.HomePath()
}

// isSafeRedirectURL validates that a URL is safe for redirection.
//
// Examples:
// - "/app/dashboard"          -> true (relative URL)
// - "/api/search?q=x"         -> true (relative URL with query)
// - "//evil.com"              -> false (protocol-relative, could be external)
// - "/\evil.com"              -> false (browsers treat "\" like "/")
// - "https://evil.com"        -> false (absolute URL to external domain)
// - "javascript:alert(1)"     -> false (javascript URL)
func isSafeRedirectURL(rawURL string) bool {
	// Must start with / and must not be protocol-relative
	if !strings.HasPrefix(rawURL, "/") || strings.HasPrefix(rawURL, "//") || strings.HasPrefix(rawURL, "/\\") {
		return false
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	// Must not have a scheme or a host
	return parsed.Scheme == "" && parsed.Host == ""
}

// =============================================================================
// Route Registration Helper
// =============================================================================

// RouteMiddleware wraps groups of auth routes. Nil fields leave routes unwrapped.
type RouteMiddleware struct {
	Page  func(http.Handler) http.Handler // rendered HTML pages
	Limit func(http.Handler) http.Handler // credential-bearing routes
	Gate  func(http.Handler) http.Handler // routes that need a session
}

// RegisterRoutes registers the auth routes on the provided ServeMux.
//
// Usage in main.go:
//
//	authHandler.RegisterRoutes(mux, handler.RouteMiddleware{
//		Page:  secure.Handler,
//		Limit: loginLimiter.LimitLogin,
//		Gate:  authMw.Gate,
//	})
func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux, mw RouteMiddleware) {
	page, limit, gate := orNoop(mw.Page), orNoop(mw.Limit), orNoop(mw.Gate)
	app, api := h.cfg.AppRoot, h.cfg.APIRoot

	mux.Handle("GET "+app+"/login", page(http.HandlerFunc(h.ShowLogin)))
	mux.Handle("POST "+app+"/login", page(limit(http.HandlerFunc(h.Login))))
	mux.HandleFunc("POST "+app+"/logout", h.Logout)

	mux.Handle("POST "+api+"/v1/auth/login", limit(http.HandlerFunc(h.APILogin)))
	mux.HandleFunc("POST "+api+"/v1/auth/logout", h.APILogout)
	mux.Handle("GET "+api+"/v1/auth/authinfo", gate(http.HandlerFunc(h.AuthInfo)))
}

func orNoop(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
