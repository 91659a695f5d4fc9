package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// redactedKeys are attribute keys whose values never reach a log sink.
var redactedKeys = map[string]bool{
	"password":         true,
	"credentials":      true,
	"proxycredentials": true,
	"cookie":           true,
	"authorization":    true,
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if redactedKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// NewLogger writes colored text logs to w in development and JSON otherwise.
func NewLogger(w io.Writer, env string, level string) *slog.Logger {
	return slog.New(newConsoleHandler(w, env, parseLevel(level)))
}

// NewFileLogger is NewLogger plus a rotated JSON copy of every record in path.
// The returned closer releases the log file.
func NewFileLogger(w io.Writer, env, level, path string) (*slog.Logger, io.Closer) {
	logLevel := parseLevel(level)

	lumber := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		Compress:   true,
	}

	handler := &multiHandler{
		handlers: []slog.Handler{
			newConsoleHandler(w, env, logLevel),
			slog.NewJSONHandler(lumber, &slog.HandlerOptions{
				Level:       logLevel,
				ReplaceAttr: redact,
			}),
		},
	}

	return slog.New(handler), lumber
}

func newConsoleHandler(w io.Writer, env string, level slog.Level) slog.Handler {
	if env == "development" {
		return tint.NewHandler(w, &tint.Options{
			Level:       level,
			TimeFormat:  time.Kitchen,
			ReplaceAttr: redact,
		})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	})
}

// multiHandler fans records out to every handler that accepts their level.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
