// Package middleware contains HTTP middleware for guardpost.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/guardpost/internal/auth"
	"github.com/DukeRupert/guardpost/internal/handler"
	"github.com/DukeRupert/guardpost/internal/metrics"
	"github.com/DukeRupert/guardpost/internal/session"
)

// =============================================================================
// Auth Middleware Configuration
// =============================================================================

// AuthMiddleware applies the access gate and the header injector to HTTP
// requests.
//
// Create one instance and use its methods as middleware. Gate must run
// before InjectHeaders.
type AuthMiddleware struct {
	gate     *auth.Gate
	injector *auth.HeaderInjector
	sessions *session.Manager
	logger   *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(gate *auth.Gate, injector *auth.HeaderInjector, sessions *session.Manager, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		gate:     gate,
		injector: injector,
		sessions: sessions,
		logger:   logger,
	}
}

// =============================================================================
// Gate Middleware
// =============================================================================

// Gate is middleware that only lets authenticated requests through.
//
// Flow:
//
//	Request -> Gate -> Handler
//	           |
//	           +-> Valid session: attach auth state, call next handler
//	           +-> Query credentials accepted: store session, 302 to same URI
//	           +-> API root or non-GET: 403 JSON with the validation error
//	           +-> Otherwise: 302 to the login page
func (m *AuthMiddleware) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := m.gate.Authenticate(w, r)

		switch d.Kind {
		case auth.Continue:
			metrics.GateDecision(metrics.DecisionContinue)
			next.ServeHTTP(w, r.WithContext(auth.WithSession(r.Context(), d.Session)))

		case auth.Redirect:
			if d.NewSession != nil {
				if err := m.sessions.Set(r.Context(), w, r, d.NewSession); err != nil {
					metrics.GateDecision(metrics.DecisionError)
					handler.InternalErrorResponse(w, r, m.logger, err)
					return
				}
				metrics.GateDecision(metrics.DecisionQueryLogin)
				metrics.SessionCreated("query")
			} else {
				metrics.GateDecision(metrics.DecisionRedirect)
			}
			http.Redirect(w, r, d.Location, http.StatusFound)

		default:
			metrics.GateDecision(metrics.DecisionReject)
			handler.JSONErrorResponse(w, r, m.logger, d.Err)
		}
	})
}

// =============================================================================
// InjectHeaders Middleware
// =============================================================================

// InjectHeaders is middleware that adds backend authorization headers to
// authenticated requests.
//
// When the headers cannot be computed the session is cleared and the request
// continues without them; the upstream then sees an unauthenticated request.
//
// IMPORTANT: This middleware must be used AFTER Gate in the middleware chain.
func (m *AuthMiddleware) InjectHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		injected, err := m.injector.Inject(r)
		if err != nil {
			metrics.HeadersFailed()
			m.logger.Error("error computing auth headers, clearing session",
				"error", err,
				"path", r.URL.Path,
			)
			if clearErr := m.sessions.Clear(r.Context(), w, r); clearErr != nil {
				m.logger.Warn("failed to clear session", "error", clearErr)
			}
		} else if injected {
			metrics.HeadersInjected()
		}

		next.ServeHTTP(w, r)
	})
}

// Protect composes Gate and InjectHeaders in the required order.
func (m *AuthMiddleware) Protect(next http.Handler) http.Handler {
	return Stack(m.Gate, m.InjectHeaders)(next)
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(RequestLoggingMiddleware(logger), authMw.Gate, authMw.InjectHeaders)
//	mux.Handle("/", stack(proxyHandler))
//
// This is equivalent to:
//
//	mux.Handle("/",
//	    RequestLoggingMiddleware(logger)(authMw.Gate(authMw.InjectHeaders(proxyHandler))))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// =============================================================================
// Compile-time checks
// =============================================================================

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).Gate
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).InjectHeaders
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).Protect
)
