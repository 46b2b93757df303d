package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger configured for structured, JSON-oriented output
// on stderr, leaving stdout to command output. The level is read from
// STUDIO_LOG_LEVEL.
func New(subsystem string) *slog.Logger {
	return NewWithOptions(os.Stderr, ParseLevel(os.Getenv("STUDIO_LOG_LEVEL")), subsystem)
}

// NewWithOptions is New with an explicit destination and level.
func NewWithOptions(w io.Writer, level slog.Level, subsystem string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: level <= slog.LevelDebug, Level: level})
	return slog.New(handler).With("subsystem", subsystem)
}

// Discard returns a logger that drops every record. The dashboard uses it
// while it owns the terminal.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
