// Package logging configures the structured logger every component pulls
// from, instead of reaching for the slog package default.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the process logger. JSON if CIS_JSON_LOG=1/true/json,
// text otherwise. Level comes from CIS_LOG_LEVEL (debug/info/warn/error,
// default info).
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("CIS_JSON_LOG"))
	var handler slog.Handler
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("CIS_LOG_LEVEL")) {
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
