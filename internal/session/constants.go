// Package session implements the cookie session mechanism: sealed cookies,
// optional server-side stores, and the validation step the access gate runs
// before anything else.
package session

import "time"

const (
	// DefaultCookieName is the name of the cookie that carries the sealed session.
	DefaultCookieName = "guardpost_session"

	// CookiePath ensures the cookie is sent with all requests.
	CookiePath = "/"

	// MinPasswordLength is the shortest accepted cookie encryption password.
	MinPasswordLength = 32

	// DefaultSweepInterval is how often server-side stores drop expired sessions.
	DefaultSweepInterval = 10 * time.Minute
)
