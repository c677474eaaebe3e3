// Package log configures the process-wide structured logger shared by every
// engine component.
package log

import (
	"log/slog"
	"os"
)

// Setup installs the default slog text handler at the requested level.
// Unknown level names fall back to info.
func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// WithModule returns the default logger tagged with a module name; every
// component constructor takes its logger this way.
func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
