// Package obslog provides structured logging for docidx, adapted from
// wyf-ACCEPT-eth2030's pkg/log: a thin wrapper over log/slog with
// per-subsystem child loggers, plus a pluggable Formatter (also adapted
// from pkg/log/formatter.go) for a human-readable alternative to the
// default JSON-to-stderr handler. It is deliberately off the hot path --
// Get, Upsert, and Delete never log; only consolidation's background
// pipeline does.
package obslog

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with docidx-specific conveniences.
type Logger struct {
	inner *slog.Logger
}

var defaultLogger *Logger

func init() {
	defaultLogger = New(slog.LevelInfo)
}

// New creates a Logger that writes JSON to stderr at the given level.
func New(level slog.Level) *Logger {
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{inner: slog.New(h)}
}

// NewWithHandler creates a Logger backed by the supplied slog.Handler,
// useful for tests or for directing output elsewhere.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// NewWithFormatter creates a Logger that renders through formatter (e.g.
// &TextFormatter{} or &ColorFormatter{}) instead of slog's own JSON
// encoding, writing to w at the given level. Intended for interactive use
// -- piping Index.Audit entries or consolidation logs to a terminal --
// where JSON-per-line is harder to scan than aligned text.
func NewWithFormatter(level slog.Level, formatter Formatter, w io.Writer) *Logger {
	h := newFormatterHandler(w, level, formatter)
	return &Logger{inner: slog.New(h)}
}

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Default returns the current package-level default logger.
func Default() *Logger { return defaultLogger }

// Subsystem returns a child logger tagged with a "subsystem" attribute
// (e.g. "consolidation", "delta", "stream") -- the primary way
// components obtain their own contextual logger.
func (l *Logger) Subsystem(name string) *Logger {
	return &Logger{inner: l.inner.With("subsystem", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// Debug logs at LevelDebug.
func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }

// Info logs at LevelInfo.
func (l *Logger) Info(msg string, args ...any) { l.inner.Info(msg, args...) }

// Warn logs at LevelWarn.
func (l *Logger) Warn(msg string, args ...any) { l.inner.Warn(msg, args...) }

// Error logs at LevelError.
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }
