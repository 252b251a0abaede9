// Package logging builds the single structured logger the core hands down
// to every component. Logging is dependency-injected, never global: each
// component receives a *slog.Logger already scoped with its component name
// and never calls slog.SetDefault.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// discardHandler drops every record. Used when a component is constructed
// without a logger, so callers never need a nil check.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, else a discard logger.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// New builds the process-wide logger from a level name ("debug", "info",
// "warn", "error"; unrecognized values fall back to "info") writing JSON
// records to stderr.
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// Component scopes logger with a "component" attribute, the key the core
// uses to tell watcherError/workerError UI messages apart by origin.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return Default(logger).With("component", name)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
