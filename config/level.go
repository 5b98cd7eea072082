package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// ParseLevel maps a log_level value onto a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q is not one of debug, info, warn, error", level)
	}
}

// Level returns the configured slog level, falling back to info
func (c Config) Level() slog.Level {
	level, _ := ParseLevel(c.LogLevel)
	return level
}
