package platform

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger builds the process-wide JSON logger at the given level
// (debug, info, warn, error). An empty level falls back to
// COSTFEED_LOG_LEVEL, then info.
func InitLogger(level string) *slog.Logger {
	if level == "" {
		level = GetEnv("COSTFEED_LOG_LEVEL", "info")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

// CollectorLogger scopes a logger to one collector run.
func CollectorLogger(base *slog.Logger, provider, runID string) *slog.Logger {
	return base.With("provider", provider, "run_id", runID)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
