// Package auth implements the access gate and the header injector.
//
// The gate and injector are independent of net/http routing: they inspect a
// request and return what should happen, and the middleware package applies
// the result. This package is imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/DukeRupert/guardpost/internal/domain"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// stateContextKey is the key used to store the auth state in context.
	stateContextKey contextKey = "auth_state"
)

// State is the authentication state of a request after the gate has run.
type State struct {
	IsAuthenticated bool
	Session         *domain.Session
}

// GetState retrieves the auth state from the context.
//
// Returns the zero State (not authenticated) if the gate has not run.
func GetState(ctx context.Context) State {
	state, ok := ctx.Value(stateContextKey).(State)
	if !ok {
		return State{}
	}
	return state
}

// GetSession retrieves the authenticated session from the context.
//
// Usage:
//
//	s := auth.GetSession(r.Context())
//	if s == nil {
//	    // Handle unauthenticated request
//	}
func GetSession(ctx context.Context) *domain.Session {
	state := GetState(ctx)
	if !state.IsAuthenticated {
		return nil
	}
	return state.Session
}

// WithState stores the auth state in the context.
func WithState(ctx context.Context, state State) context.Context {
	return context.WithValue(ctx, stateContextKey, state)
}

// WithSession marks the context as authenticated by s.
func WithSession(ctx context.Context, s *domain.Session) context.Context {
	return WithState(ctx, State{IsAuthenticated: true, Session: s})
}

// ClientIP extracts the client IP from the request, considering proxy headers.
func ClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs: client, proxy1, proxy2
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	// nginx
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}

	return ip
}
