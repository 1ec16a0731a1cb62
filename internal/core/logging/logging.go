// Package logging configures the process-global structured logger.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init installs a global slog logger tagged with the given service name.
// JSON output is used when EVALORC_JSON_LOG is 1/true/json, text otherwise.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("EVALORC_JSON_LOG"))
	jsonMode := mode == "1" || mode == "true" || mode == "json"

	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonMode)
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("EVALORC_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
