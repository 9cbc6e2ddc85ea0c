// Package logging configures the process-wide slog logger: JSON on stderr,
// level taken from LOGGING_LEVEL, every record tagged with the module name.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelEnv is the environment variable holding the log level.
const LevelEnv = "LOGGING_LEVEL"

// ParseLevel maps DEBUG, INFO, WARNING (or WARN) and ERROR, case-insensitive,
// to a slog level. Anything else is INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARNING", "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a JSON logger writing to w. Debug records carry their source
// location.
func New(w io.Writer, module string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	})
	return slog.New(h).With("module", module)
}

// SetDefault installs a stderr logger for module as the slog default, with
// the level read from LOGGING_LEVEL.
func SetDefault(module string) *slog.Logger {
	logger := New(os.Stderr, module, ParseLevel(os.Getenv(LevelEnv)))
	slog.SetDefault(logger)
	return logger
}
