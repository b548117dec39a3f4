package logging

import (
	"log/slog"
	"os"
)

// Init configures the default slog logger. CLI roles default to errors only
// so status output stays readable; the relay server defaults to info.
func Init(serverMode bool) {
	level := slog.LevelError
	if serverMode {
		level = slog.LevelInfo
	}

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "dev", "development", "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "production", "prod":
			level = slog.LevelError
		}
	}

	logger := slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}),
	)
	slog.SetDefault(logger)
}
