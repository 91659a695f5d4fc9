package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/guardpost/internal/backend"
	"github.com/DukeRupert/guardpost/internal/domain"
)

// Query parameters carrying inline credentials.
const (
	QueryUsername = "username"
	QueryPassword = "password"
)

// DecisionKind says what the middleware must do with a request.
type DecisionKind int

const (
	// Continue passes the request on with Session attached.
	Continue DecisionKind = iota
	// Reject answers with Err (403 for validation failures).
	Reject
	// Redirect answers with a 302 to Location, persisting NewSession first
	// when it is set.
	Redirect
)

func (k DecisionKind) String() string {
	switch k {
	case Continue:
		return "continue"
	case Reject:
		return "reject"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision is the outcome of Gate.Authenticate.
type Decision struct {
	Kind       DecisionKind
	Session    *domain.Session // Continue: the validated session
	NewSession *domain.Session // Redirect: a session created from query credentials
	Location   string          // Redirect target
	Err        error           // Reject reason
}

// SessionValidator loads and validates the session attached to a request.
// It may write to w to refresh or clear the session cookie.
type SessionValidator interface {
	Validate(w http.ResponseWriter, r *http.Request) (*domain.Session, error)
}

// Limiter bounds failed credential attempts per client key.
//
// Allow only checks the budget. Rejected credentials are counted with
// RecordFailedLogin and a successful login clears the key with ResetLogin, so
// valid logins never use up the budget.
type Limiter interface {
	Allow(key string) bool
	RecordFailedLogin(key string)
	ResetLogin(key string)
}

// GateConfig holds the path and session settings of the gate.
type GateConfig struct {
	BasePath   string
	AppRoot    string
	APIRoot    string
	SessionTTL time.Duration
}

// LoginPath returns the public path of the login page.
func (c GateConfig) LoginPath() string {
	return c.BasePath + c.AppRoot + "/login"
}

// Gate decides whether a request may proceed.
//
// A request with a valid session continues. Otherwise, if the query string
// carries both username and password, those credentials are authenticated
// and, on success, a new session is created and the client is redirected to
// the same URI. Without query credentials, API and non-GET requests are
// rejected and browser navigation is redirected to the login page.
type Gate struct {
	validator SessionValidator
	backend   backend.Authenticator
	limiter   Limiter
	cfg       GateConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewGate creates a Gate. limiter may be nil.
func NewGate(validator SessionValidator, authenticator backend.Authenticator, limiter Limiter, cfg GateConfig, logger *slog.Logger) *Gate {
	return &Gate{
		validator: validator,
		backend:   authenticator,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Authenticate evaluates r.
func (g *Gate) Authenticate(w http.ResponseWriter, r *http.Request) Decision {
	const op = "gate.authenticate"

	s, err := g.validator.Validate(w, r)
	if err == nil {
		return Decision{Kind: Continue, Session: s}
	}
	if !domain.IsValidationError(err) {
		// A broken session store is not an authentication failure.
		return Decision{Kind: Reject, Err: err}
	}

	if creds, ok := queryCredentials(r); ok {
		return g.authenticateQuery(r, creds)
	}

	if strings.HasPrefix(r.URL.Path, g.cfg.APIRoot) || r.Method != http.MethodGet {
		return Decision{Kind: Reject, Err: domain.Forbidden(op, err)}
	}

	return Decision{Kind: Redirect, Location: g.cfg.LoginPath()}
}

func (g *Gate) authenticateQuery(r *http.Request, creds domain.Credentials) Decision {
	const op = "gate.authenticateQuery"

	clientIP := ClientIP(r)
	if g.limiter != nil && !g.limiter.Allow(clientIP) {
		g.logger.Warn("query credential attempts rate limited", "ip", clientIP)
		return Decision{Kind: Reject, Err: domain.RateLimit(op)}
	}

	user, err := g.backend.Authenticate(r.Context(), creds)
	if err != nil {
		var authErr *domain.AuthenticationError
		switch {
		case errors.As(err, &authErr):
			if g.limiter != nil {
				g.limiter.RecordFailedLogin(clientIP)
			}
			g.logger.Info("query credential authentication failed", "credentials", creds, "ip", clientIP)
			return Decision{Kind: Reject, Err: domain.Forbidden(op, err)}
		case errors.Is(err, context.Canceled):
			return Decision{Kind: Reject, Err: domain.Wrap(err, domain.EUNAVAILABLE, op, "Request cancelled")}
		default:
			return Decision{Kind: Reject, Err: err}
		}
	}

	if g.limiter != nil {
		g.limiter.ResetLogin(clientIP)
	}
	g.logger.Info("session created from query credentials", "username", user.Username, "ip", clientIP)

	return Decision{
		Kind:       Redirect,
		NewSession: domain.NewSession(user, g.now(), g.cfg.SessionTTL),
		Location:   r.URL.RequestURI(),
	}
}

// queryCredentials returns the username and password from the query string
// when both are non-empty.
func queryCredentials(r *http.Request) (domain.Credentials, bool) {
	q := r.URL.Query()
	creds := domain.Credentials{
		Username: q.Get(QueryUsername),
		Password: q.Get(QueryPassword),
	}
	return creds, creds.IsComplete()
}
