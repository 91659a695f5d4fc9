package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/DukeRupert/guardpost/internal/domain"
)

// =============================================================================
// Test Doubles
// =============================================================================

// fakeValidator returns a fixed session or error.
type fakeValidator struct {
	session *domain.Session
	err     error
}

func (v fakeValidator) Validate(http.ResponseWriter, *http.Request) (*domain.Session, error) {
	return v.session, v.err
}

// fakeBackend records calls and returns canned results.
type fakeBackend struct {
	mu          sync.Mutex
	user        *domain.User
	authErr     error
	headers     map[string]string
	headerErr   error
	authCalls   []domain.Credentials
	headerCalls []json.RawMessage
}

func (b *fakeBackend) Authenticate(_ context.Context, creds domain.Credentials) (*domain.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authCalls = append(b.authCalls, creds)
	if b.authErr != nil {
		return nil, b.authErr
	}
	return b.user, nil
}

func (b *fakeBackend) GetAuthHeaders(_ context.Context, credentials json.RawMessage) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.headerCalls = append(b.headerCalls, credentials)
	return b.headers, b.headerErr
}

// denyAll is a Limiter that refuses every attempt.
type denyAll struct{}

func (denyAll) Allow(string) bool        { return false }
func (denyAll) RecordFailedLogin(string) {}
func (denyAll) ResetLogin(string)        {}

// countingLimiter allows every attempt and records what the gate reports.
type countingLimiter struct {
	failures []string
	resets   []string
}

func (l *countingLimiter) Allow(string) bool { return true }

func (l *countingLimiter) RecordFailedLogin(key string) {
	l.failures = append(l.failures, key)
}

func (l *countingLimiter) ResetLogin(key string) {
	l.resets = append(l.resets, key)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testUser() *domain.User {
	return &domain.User{
		Username:         "u",
		Credentials:      json.RawMessage(`{"authHeaderValue":"Basic dTpw"}`),
		ProxyCredentials: json.RawMessage(`{"roles":["reader"]}`),
	}
}

var errBoom = errors.New("boom")
