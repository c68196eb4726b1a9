package logging

import (
	"io"
	"log/slog"
	"strings"
)

// Config selects the handler and level of the logger.
type Config struct {
	Version string
	Level   string // "debug", "info", "warn", "error"
	Format  string // "text" or "json"
}

// New returns a configured slog.Logger writing to w and installs it as the default.
// stdout belongs to the console menu, so callers pass stderr.
func New(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler).With("app", "graphauth", "version", cfg.Version)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a string to slog.Level. Unknown values map to warn: the
// console is shared with the menu, so info logs are opt-in.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(lvl) {
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
