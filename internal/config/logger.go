package config

import (
	"io"
	"log/slog"
)

// NewLogger builds a text logger for a log_level value. "none" discards
// everything; unknown levels fall back to warning.
func NewLogger(level string, w io.Writer) *slog.Logger {
	if level == "none" {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: Level(level)}))
}

// Level maps a log_level value to a slog level.
func Level(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
