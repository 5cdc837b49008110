// Package logger builds the process-wide structured logger.
package logger

import (
	"os"
	"strings"

	"log/slog"
)

// New returns a JSON logger tagged with the emitting component. The level
// is a name from configuration: debug, info, warn or error; anything
// unrecognized falls back to info.
func New(component, level string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With("component", component)
}

// ParseLevel maps a configured level name onto a slog.Level.
func ParseLevel(level string) slog.Level {
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
