package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// serveLogged runs req through RequestLoggingMiddleware around next and
// returns the recorder and the text log output.
func serveLogged(req *http.Request, next http.Handler) (*httptest.ResponseRecorder, string) {
	var buf bytes.Buffer
	mw := NewRequestLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))
	rec := httptest.NewRecorder()
	mw.Handler(next).ServeHTTP(rec, req)
	return rec, buf.String()
}

func replyWith(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

// =============================================================================
// Access Log Fields
// =============================================================================

func TestRequestLogging_RecordsAccessFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/app/saved_objects/7", nil)
	req.Header.Set("User-Agent", "curl/8.4.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.195, 10.0.0.1")

	_, out := serveLogged(req, replyWith(http.StatusAccepted))

	for _, want := range []string{
		"method=PUT",
		"path=/app/saved_objects/7",
		"status=202",
		"duration_ms=",
		"ip=203.0.113.195",
		"user_agent=curl/8.4.0",
		"level=INFO",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}
}

func TestRequestLogging_ServerErrorsAtWarn(t *testing.T) {
	_, out := serveLogged(httptest.NewRequest(http.MethodGet, "/api/status", nil), replyWith(http.StatusBadGateway))

	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "status=502") {
		t.Errorf("expected a WARN line with status 502, got: %s", out)
	}
}

func TestRequestLogging_StatusDefaultsTo200(t *testing.T) {
	body := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	_, out := serveLogged(httptest.NewRequest(http.MethodGet, "/app/home", nil), body)

	if !strings.Contains(out, "status=200") {
		t.Errorf("implicit status should be logged as 200, got: %s", out)
	}
}

func TestRequestLogging_SkipsHealthAndMetrics(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			_, out := serveLogged(httptest.NewRequest(http.MethodGet, path, nil), replyWith(http.StatusOK))
			if out != "" {
				t.Errorf("%s should not be logged, got: %s", path, out)
			}
		})
	}
}

func TestRequestLogging_LeavesResponseUntouched(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "kibana")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"7"}`))
	})

	rec, _ := serveLogged(httptest.NewRequest(http.MethodPost, "/api/saved_objects", nil), next)

	if rec.Code != http.StatusCreated || rec.Header().Get("X-Upstream") != "kibana" || rec.Body.String() != `{"id":"7"}` {
		t.Errorf("response altered: %d %v %q", rec.Code, rec.Header(), rec.Body.String())
	}
}

// =============================================================================
// Request IDs
// =============================================================================

func TestRequestLogging_ReplacesInvalidRequestID(t *testing.T) {
	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		if r.Header.Get(RequestIDHeader) != seen {
			t.Errorf("upstream header %q should match context id %q", r.Header.Get(RequestIDHeader), seen)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	req.Header.Set(RequestIDHeader, "not-a-uuid")
	rec, out := serveLogged(req, next)

	if seen == "" || seen == "not-a-uuid" {
		t.Fatalf("expected a fresh request id, got %q", seen)
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header = %q, want %q", rec.Header().Get(RequestIDHeader), seen)
	}
	if !strings.Contains(out, "request_id="+seen) {
		t.Errorf("log should carry the request id, got: %s", out)
	}
}

func TestRequestLogging_KeepsIncomingRequestID(t *testing.T) {
	const incoming = "3f1c2b9e-8d4a-4c6e-9f0a-1b2c3d4e5f60"

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, incoming)
	rec, _ := serveLogged(req, replyWith(http.StatusOK))

	if got := rec.Header().Get(RequestIDHeader); got != incoming {
		t.Errorf("response header = %q, want %q", got, incoming)
	}
}

// =============================================================================
// Query Redaction
// =============================================================================

func TestRequestLogging_RedactsQueryCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/search?q=error&username=alice&password=hunter2", nil)

	_, out := serveLogged(req, replyWith(http.StatusFound))

	if strings.Contains(out, "hunter2") || strings.Contains(out, "alice") {
		t.Errorf("query credentials leaked into the log: %s", out)
	}
	if !strings.Contains(out, "q=error") {
		t.Errorf("harmless params should be kept, got: %s", out)
	}
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		name     string
		rawQuery string
		want     string
	}{
		{"no query", "", "/app"},
		{"harmless", "q=error&page=2", "/app?q=error&page=2"},
		{"password", "password=hunter2", "/app?password=[REDACTED]"},
		{"case insensitive", "Access_Token=abc", "/app?Access_Token=[REDACTED]"},
		{"encoded key", "username=u&pass%77ord=hunter2", "/app?username=[REDACTED]&pass%77ord=[REDACTED]"},
		{"fully encoded key", "%70%61%73%73%77%6F%72%64=hunter2", "/app?%70%61%73%73%77%6F%72%64=[REDACTED]"},
		{"plus in key", "api+key=x&apikey=y", "/app?api+key=x&apikey=[REDACTED]"},
		{"undecodable key", "pass%zzword=hunter2", "/app?pass%zzword=[REDACTED]"},
		{"bare keys dropped", "debug&token=t", "/app?token=[REDACTED]"},
		{"only bare keys", "debug", "/app"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sanitizePath("/app", tt.rawQuery)
			if got != tt.want {
				t.Errorf("sanitizePath(%q) = %q, want %q", tt.rawQuery, got, tt.want)
			}
			if strings.Contains(got, "hunter2") {
				t.Errorf("password value leaked: %q", got)
			}
		})
	}
}
