package auth

import (
	"net/http"

	"github.com/DukeRupert/guardpost/internal/backend"
	"github.com/DukeRupert/guardpost/internal/domain"
)

// HeaderInjector adds backend authorization headers to authenticated requests.
type HeaderInjector struct {
	backend backend.Authenticator
}

// NewHeaderInjector creates a HeaderInjector.
func NewHeaderInjector(authenticator backend.Authenticator) *HeaderInjector {
	return &HeaderInjector{backend: authenticator}
}

// Inject computes the auth headers for the session in r's auth state and
// merges them into r.Header, replacing same-named headers. It reports
// whether headers were injected. Unauthenticated requests are left
// untouched. On failure r.Header is unchanged and a *domain.HeaderError is
// returned.
func (h *HeaderInjector) Inject(r *http.Request) (bool, error) {
	state := GetState(r.Context())
	if !state.IsAuthenticated || state.Session == nil {
		return false, nil
	}

	headers, err := h.backend.GetAuthHeaders(r.Context(), state.Session.Credentials)
	if err != nil {
		return false, &domain.HeaderError{Username: state.Session.Username, Err: err}
	}

	for name, value := range headers {
		r.Header.Set(name, value)
	}
	return true, nil
}
