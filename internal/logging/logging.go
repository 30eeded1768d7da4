package logging

import (
	"log/slog"
	"os"
)

// Init installs the default slog logger. The level comes from LOG_LEVEL and
// defaults to info.
func Init() {
	slog.SetDefault(New(os.Getenv("LOG_LEVEL")))
}

// New builds a text logger on stderr for the named level.
func New(name string) *slog.Logger {
	return slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: ParseLevel(name),
		}),
	)
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(name string) slog.Level {
	switch name {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
