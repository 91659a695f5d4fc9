package middleware

import (
	"net/http"
)

// SecurityHeadersMiddleware adds HTTP security headers to responses.
//
// Handler is meant for pages guardpost renders itself. Proxied upstream
// responses go through Transport, which leaves content policy to the
// upstream application.
type SecurityHeadersMiddleware struct {
	isSecure bool // Whether to enable HTTPS-specific headers (true in production)
}

// NewSecurityHeadersMiddleware creates a new security headers middleware.
// Set isSecure to true in production to enable HSTS.
func NewSecurityHeadersMiddleware(isSecure bool) *SecurityHeadersMiddleware {
	return &SecurityHeadersMiddleware{
		isSecure: isSecure,
	}
}

// Handler returns middleware that sets the full set of security headers.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.setTransportHeaders(w)

		// Prevent clickjacking - deny all framing
		w.Header().Set("X-Frame-Options", "DENY")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		w.Header().Set("Content-Security-Policy", buildCSP())

		// Permissions Policy - disable browser features we don't need
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		next.ServeHTTP(w, r)
	})
}

// Transport returns middleware that only sets headers about the connection
// itself, for responses relayed from the upstream.
func (m *SecurityHeadersMiddleware) Transport(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.setTransportHeaders(w)
		next.ServeHTTP(w, r)
	})
}

func (m *SecurityHeadersMiddleware) setTransportHeaders(w http.ResponseWriter) {
	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// HSTS - only in production with HTTPS
	if m.isSecure {
		// max-age=31536000 = 1 year
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// buildCSP constructs the Content-Security-Policy header value for the
// login page, which needs nothing beyond its own inline stylesheet.
func buildCSP() string {
	return "default-src 'none'; " +
		"style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data:; " +
		// Prevent framing by any site
		"frame-ancestors 'none'; " +
		// Restrict base URI to prevent base tag injection
		"base-uri 'self'; " +
		// Restrict form actions to self
		"form-action 'self'"
}
