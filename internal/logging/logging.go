// Package logging builds the process-wide slog.Logger both binaries share,
// configured from config.LoggingConfig.
package logging

import (
	"log/slog"
	"os"

	"github.com/rivet-ci/rivet/internal/config"
)

// New returns a slog.Logger writing to stderr in the format and level cfg
// names, defaulting to info/json on an unrecognized value.
func New(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
