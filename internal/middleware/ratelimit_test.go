package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DukeRupert/guardpost/internal/auth"
	"github.com/DukeRupert/guardpost/internal/domain"
	"github.com/DukeRupert/guardpost/internal/handler"
)

// newTestLoginLimiter returns a limiter whose clock is *now.
func newTestLoginLimiter(t *testing.T, maxFailures int, window time.Duration, now *time.Time) *LoginRateLimiter {
	t.Helper()
	l := NewLoginRateLimiter(maxFailures, window, newTestLogger())
	l.now = func() time.Time { return *now }
	t.Cleanup(l.Stop)
	return l
}

// loginOutcome stands in for a login handler: password "secret" succeeds and
// everything else is counted as a failure.
func loginOutcome(l *LoginRateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := auth.ClientIP(r)
		if r.FormValue("password") == "secret" {
			l.ResetLogin(ip)
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		l.RecordFailedLogin(ip)
		w.WriteHeader(http.StatusUnauthorized)
	})
}

func loginAttempt(password string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/app/login?password="+password, nil)
	req.RemoteAddr = "203.0.113.9:41000"
	return req
}

// =============================================================================
// LoginRateLimiter Tests
// =============================================================================

func TestLoginRateLimiter_AllowDoesNotCount(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 3, time.Minute, &now)

	for i := 0; i < 20; i++ {
		if !l.Allow("203.0.113.9") {
			t.Fatalf("check %d: Allow must not use up the budget", i+1)
		}
	}
}

func TestLoginRateLimiter_RefusesAfterFailures(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 3, time.Minute, &now)

	for i := 0; i < 2; i++ {
		l.RecordFailedLogin("203.0.113.9")
	}
	if !l.Allow("203.0.113.9") {
		t.Fatal("expected attempts below the limit to be allowed")
	}

	l.RecordFailedLogin("203.0.113.9")
	if l.Allow("203.0.113.9") {
		t.Error("expected refusal once failures reach the limit")
	}
	if !l.Allow("198.51.100.1") {
		t.Error("failures of one client must not affect another")
	}
}

func TestLoginRateLimiter_WindowExpires(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 2, time.Minute, &now)

	l.RecordFailedLogin("203.0.113.9")
	l.RecordFailedLogin("203.0.113.9")
	if l.Allow("203.0.113.9") {
		t.Fatal("expected refusal inside the window")
	}

	now = now.Add(time.Minute)
	if !l.Allow("203.0.113.9") {
		t.Error("expected the client to be allowed once the window closed")
	}

	// A new failure opens a fresh window rather than adding to the old one.
	l.RecordFailedLogin("203.0.113.9")
	if !l.Allow("203.0.113.9") {
		t.Error("one failure in a fresh window must not refuse the client")
	}
}

func TestLoginRateLimiter_ResetLoginForgetsFailures(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 2, time.Minute, &now)

	l.RecordFailedLogin("203.0.113.9")
	l.RecordFailedLogin("203.0.113.9")
	l.ResetLogin("203.0.113.9")

	if !l.Allow("203.0.113.9") {
		t.Error("expected the client to be allowed after a successful login")
	}
}

func TestLoginRateLimiter_NonPositiveWindowFallsBack(t *testing.T) {
	for _, window := range []time.Duration{0, -time.Second} {
		l := NewLoginRateLimiter(0, window, newTestLogger())
		if l.window != defaultLoginWindow {
			t.Errorf("window %v: got %v, want %v", window, l.window, defaultLoginWindow)
		}
		if l.maxFailures != 1 {
			t.Errorf("maxFailures = %d, want 1", l.maxFailures)
		}
		l.Stop()
		l.Stop()
	}
}

// =============================================================================
// LimitLogin Middleware Tests
// =============================================================================

func TestLimitLogin_SuccessfulLoginsNeverRefused(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 5, 15*time.Minute, &now)
	wrapped := l.LimitLogin(loginOutcome(l))

	for i := 0; i < 12; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, loginAttempt("secret"))
		if rec.Code != http.StatusSeeOther {
			t.Fatalf("login %d: expected 303, got %d", i+1, rec.Code)
		}
	}
}

func TestLimitLogin_RefusesAfterFailedLogins(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 3, time.Minute, &now)
	wrapped := l.LimitLogin(loginOutcome(l))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, loginAttempt("wrong"))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	now = now.Add(20 * time.Second)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, loginAttempt("secret"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 even for valid credentials, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "40" {
		t.Errorf("Retry-After = %q, want 40", got)
	}
}

func TestLimitLogin_JSONResponse(t *testing.T) {
	now := time.Now()
	l := newTestLoginLimiter(t, 1, time.Minute, &now)
	l.RecordFailedLogin("203.0.113.9")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	req.RemoteAddr = "203.0.113.9:41000"
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()

	l.LimitLogin(loginOutcome(l)).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body handler.JSONError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != domain.ERATELIMIT {
		t.Errorf("code = %q, want %q", body.Error.Code, domain.ERATELIMIT)
	}
}

// =============================================================================
// Query Credentials Through The Gate
// =============================================================================

func TestGate_RepeatedQueryLoginsNotRateLimited(t *testing.T) {
	mock := &mockBackend{
		AuthenticateFunc: func(_ context.Context, creds domain.Credentials) (*domain.User, error) {
			if creds.Password != "p" {
				return nil, domain.NewAuthenticationError("Invalid username or password")
			}
			return &domain.User{Username: "u", Credentials: json.RawMessage(`{"token":"t"}`)}, nil
		},
	}
	limiter := NewLoginRateLimiter(5, 15*time.Minute, newTestLogger())
	t.Cleanup(limiter.Stop)
	env := newLimitedTestEnv(t, mock, time.Hour, limiter)

	for i := 0; i < 12; i++ {
		called := false
		req := httptest.NewRequest(http.MethodGet, "/app/dashboard?username=u&password=p", nil)
		rec := httptest.NewRecorder()

		env.mw.Gate(okHandler(&called)).ServeHTTP(rec, req)

		if rec.Code != http.StatusFound {
			t.Fatalf("login %d: expected 302, got %d", i+1, rec.Code)
		}
	}
}

func TestGate_FailedQueryLoginsRateLimited(t *testing.T) {
	mock := &mockBackend{}
	limiter := NewLoginRateLimiter(5, 15*time.Minute, newTestLogger())
	t.Cleanup(limiter.Stop)
	env := newLimitedTestEnv(t, mock, time.Hour, limiter)

	serve := func() int {
		called := false
		req := httptest.NewRequest(http.MethodGet, "/app/dashboard?username=u&password=bad", nil)
		rec := httptest.NewRecorder()
		env.mw.Gate(okHandler(&called)).ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		if code := serve(); code != http.StatusForbidden {
			t.Fatalf("attempt %d: expected 403, got %d", i+1, code)
		}
	}
	if code := serve(); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 after five failures, got %d", code)
	}
}
