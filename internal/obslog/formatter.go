package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is the rendered form of one log record, handed to a Formatter.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Formatter renders an Entry as one output line. Adapted from
// wyf-ACCEPT-eth2030's pkg/log LogFormatter/LogEntry, but keyed off
// slog.Level directly rather than a parallel LogLevel enum -- Logger is
// already built on log/slog, so a second level type would just be a
// second source of truth for the same thing.
type Formatter interface {
	Format(e Entry) string
}

// TextFormatter renders entries as aligned plain text:
//
//	[2006-01-02 15:04:05] INFO  message key=value
//
// Fields are sorted by key for deterministic output.
type TextFormatter struct{}

// Format implements Formatter.
func (f *TextFormatter) Format(e Entry) string {
	return formatPlain(e, "", "")
}

// ColorFormatter is TextFormatter with an ANSI color keyed to the entry's
// level, meant for an interactive terminal rather than a log file.
type ColorFormatter struct{}

// Format implements Formatter.
func (f *ColorFormatter) Format(e Entry) string {
	return formatPlain(e, colorForLevel(e.Level), ansiReset)
}

const (
	ansiReset  = "\033[0m"
	ansiGray   = "\033[37m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

func colorForLevel(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return ansiGray
	case l < slog.LevelWarn:
		return ansiGreen
	case l < slog.LevelError:
		return ansiYellow
	default:
		return ansiRed
	}
}

func formatPlain(e Entry, color, reset string) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(e.Time.Format("2006-01-02 15:04:05"))
	b.WriteString("] ")
	b.WriteString(color)
	fmt.Fprintf(&b, "%-5s", e.Level.String())
	b.WriteString(reset)
	b.WriteString(" ")
	b.WriteString(e.Message)

	if len(e.Attrs) > 0 {
		keys := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
		}
	}
	return b.String()
}

// formatterHandler adapts a Formatter to slog.Handler so a Logger can be
// backed by either slog's own JSON handler or a Formatter, via
// NewWithFormatter. Used for a human-readable console logger (e.g. when
// inspecting Index.Audit output interactively) where the default JSON
// handler is awkward to read by eye.
type formatterHandler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	formatter Formatter
	attrs     []slog.Attr
}

func newFormatterHandler(w io.Writer, level slog.Leveler, formatter Formatter) *formatterHandler {
	return &formatterHandler{mu: &sync.Mutex{}, w: w, level: level, formatter: formatter}
}

// Enabled implements slog.Handler.
func (h *formatterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *formatterHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	line := h.formatter.Format(Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintln(h.w, line)
	return err
}

// WithAttrs implements slog.Handler.
func (h *formatterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &formatterHandler{mu: h.mu, w: h.w, level: h.level, formatter: h.formatter}
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return next
}

// WithGroup implements slog.Handler. A flat key=value line has no room
// for nested groups, so group scoping is dropped rather than erroring.
func (h *formatterHandler) WithGroup(_ string) slog.Handler {
	return h
}
