// Package backend holds the authentication backends the access gate
// delegates to.
//
// A backend verifies username/password credentials and, for an authenticated
// session, computes the authorization headers the upstream expects. The
// credentials it stores in a session are opaque to every other package.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/DukeRupert/guardpost/internal/metrics"
)

// Authenticator is implemented by every authentication backend.
type Authenticator interface {
	// Authenticate verifies creds. A rejected login returns a
	// *domain.AuthenticationError; an unreachable backend returns an error
	// with code domain.EUNAVAILABLE.
	Authenticate(ctx context.Context, creds domain.Credentials) (*domain.User, error)

	// GetAuthHeaders derives the headers to send upstream from the
	// credentials previously returned in a User.
	GetAuthHeaders(ctx context.Context, credentials json.RawMessage) (map[string]string, error)
}

// Instrumented wraps an Authenticator and records call counts and latency
// under the given backend name.
func Instrumented(name string, next Authenticator) Authenticator {
	return &instrumented{name: name, next: next}
}

type instrumented struct {
	name string
	next Authenticator
}

func (i *instrumented) Authenticate(ctx context.Context, creds domain.Credentials) (*domain.User, error) {
	start := time.Now()
	user, err := i.next.Authenticate(ctx, creds)
	metrics.BackendCall(i.name, "authenticate", time.Since(start), err)
	return user, err
}

func (i *instrumented) GetAuthHeaders(ctx context.Context, credentials json.RawMessage) (map[string]string, error) {
	start := time.Now()
	headers, err := i.next.GetAuthHeaders(ctx, credentials)
	metrics.BackendCall(i.name, "headers", time.Since(start), err)
	return headers, err
}
