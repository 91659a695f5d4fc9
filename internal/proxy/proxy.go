// Package proxy relays gated requests to the upstream application.
package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/DukeRupert/guardpost/internal/auth"
	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/DukeRupert/guardpost/internal/handler"
)

// Config configures the upstream proxy.
type Config struct {
	Target        *url.URL
	SessionCookie string            // Never forwarded upstream
	Transport     http.RoundTripper // nil uses http.DefaultTransport
}

// Proxy forwards requests to Target.
//
// The session cookie and the username/password query parameters stay at the
// gate; everything else, including the authorization headers set by the header
// injector, is forwarded.
type Proxy struct {
	rp     *httputil.ReverseProxy
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Proxy {
	p := &Proxy{cfg: cfg, logger: logger}
	p.rp = &httputil.ReverseProxy{
		Rewrite:      p.rewrite,
		Transport:    cfg.Transport,
		ErrorHandler: p.handleError,
	}
	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(p.cfg.Target)
	pr.SetXForwarded()

	stripCookie(pr.Out, p.cfg.SessionCookie)
	pr.Out.URL.RawQuery = stripCredentials(pr.Out.URL.RawQuery)

	if s := auth.GetSession(pr.In.Context()); s != nil {
		p.logger.Debug("proxying request",
			slog.String("user", s.Username),
			slog.String("method", pr.In.Method),
			slog.String("path", pr.In.URL.Path),
		)
	}
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) {
		p.logger.Debug("client went away during proxying", slog.String("path", r.URL.Path))
		w.WriteHeader(499) // client closed request
		return
	}
	handler.ErrorResponse(w, r, p.logger, domain.Unavailable(err, "proxy.forward"))
}

func stripCookie(r *http.Request, name string) {
	if name == "" || r.Header.Get("Cookie") == "" {
		return
	}
	cookies := r.Cookies()
	r.Header.Del("Cookie")
	for _, c := range cookies {
		if c.Name == name {
			continue
		}
		r.AddCookie(c)
	}
}

// stripCredentials removes the query-string credentials used by the gate.
// The rest of the query is kept byte for byte.
func stripCredentials(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		key, _, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil && (k == auth.QueryUsername || k == auth.QueryPassword) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}
