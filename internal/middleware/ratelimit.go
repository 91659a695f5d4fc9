package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DukeRupert/guardpost/internal/auth"
	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/DukeRupert/guardpost/internal/handler"
	"github.com/DukeRupert/guardpost/internal/metrics"
)

const defaultLoginWindow = 15 * time.Minute

// =============================================================================
// Login Rate Limiter
// =============================================================================

// LoginRateLimiter bounds failed credential attempts per client IP. The same
// budget covers the login endpoints and query-string credentials seen by the
// gate.
//
// Only rejected credentials are counted. Allow never consumes budget, and a
// successful login forgets the client, so valid users are never locked out by
// their own logins. The first failure opens a fixed window; once it holds
// maxFailures failures every attempt from that IP is refused until the window
// closes.
type LoginRateLimiter struct {
	maxFailures int
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	failures map[string]*failureWindow

	stop     chan struct{}
	stopOnce sync.Once
}

type failureWindow struct {
	count  int
	opened time.Time
}

// NewLoginRateLimiter creates a limiter refusing an IP after maxFailures
// failed logins within window. A non-positive window falls back to 15
// minutes.
func NewLoginRateLimiter(maxFailures int, window time.Duration, logger *slog.Logger) *LoginRateLimiter {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if window <= 0 {
		window = defaultLoginWindow
	}

	l := &LoginRateLimiter{
		maxFailures: maxFailures,
		window:      window,
		logger:      logger,
		now:         time.Now,
		failures:    make(map[string]*failureWindow),
		stop:        make(chan struct{}),
	}
	go l.sweep()

	return l
}

// Allow reports whether ip may attempt a login. It does not count the attempt.
func (l *LoginRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	fw := l.live(ip, l.now())
	if fw == nil || fw.count < l.maxFailures {
		return true
	}
	metrics.LoginRateLimited.Inc()
	return false
}

// RecordFailedLogin counts a rejected credential attempt from ip.
func (l *LoginRateLimiter) RecordFailedLogin(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	fw := l.live(ip, now)
	if fw == nil {
		fw = &failureWindow{opened: now}
		l.failures[ip] = fw
	}
	fw.count++

	if fw.count == l.maxFailures {
		l.logger.Warn("login attempts exhausted",
			"ip", ip,
			"failures", fw.count,
			"retry_after", l.window-now.Sub(fw.opened),
		)
	}
}

// ResetLogin forgets the failures of ip after a successful login.
func (l *LoginRateLimiter) ResetLogin(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, ip)
}

// retryAfter returns how long ip stays refused, rounded up to whole seconds.
func (l *LoginRateLimiter) retryAfter(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	fw := l.live(ip, now)
	if fw == nil {
		return 1
	}
	remaining := l.window - now.Sub(fw.opened)
	secs := int((remaining + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// live returns the open failure window of ip, dropping an expired one.
// l.mu must be held.
func (l *LoginRateLimiter) live(ip string, now time.Time) *failureWindow {
	fw, ok := l.failures[ip]
	if !ok {
		return nil
	}
	if now.Sub(fw.opened) >= l.window {
		delete(l.failures, ip)
		return nil
	}
	return fw
}

// LimitLogin returns middleware refusing login requests from IPs that have
// exhausted their failures. The handler behind it records the outcome.
func (l *LoginRateLimiter) LimitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := auth.ClientIP(r)

		if !l.Allow(clientIP) {
			l.logger.Warn("login rate limit exceeded",
				"ip", clientIP,
				"path", r.URL.Path,
				"method", r.Method,
			)
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter(clientIP)))
			handler.ErrorResponse(w, r, l.logger, domain.RateLimit("ratelimit.limitLogin"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (l *LoginRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *LoginRateLimiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for ip := range l.failures {
				l.live(ip, now)
			}
			l.mu.Unlock()
		}
	}
}

var (
	_ auth.Limiter         = (*LoginRateLimiter)(nil)
	_ handler.LoginLimiter = (*LoginRateLimiter)(nil)
)
