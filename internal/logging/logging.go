// Package logging builds the slog loggers used across cgm-data.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/DavidJ-Saving-Time/cgm-data/internal/models"
)

// Format represents the output format for logs.
type Format int

const (
	// FormatText outputs human-readable text logs.
	FormatText Format = iota
	// FormatJSON outputs JSON-structured logs.
	FormatJSON
)

// Config holds the logging configuration.
type Config struct {
	Level  slog.Level
	Format Format

	// Output defaults to stderr so stdout stays free for JSON results.
	Output io.Writer

	// Component is added to every record when set.
	Component string
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:     slog.LevelInfo,
		Format:    FormatText,
		Output:    os.Stderr,
		Component: "cgm-data",
	}
}

// ConfigFromSettings reads level and format from the settings, falling back
// to the defaults for empty values.
func ConfigFromSettings(s *models.Settings) (Config, error) {
	cfg := DefaultConfig()
	c := s.Clone()

	if c.LogLevel != "" {
		level, err := ParseLevel(c.LogLevel)
		if err != nil {
			return cfg, err
		}
		cfg.Level = level
	}
	if c.LogFormat != "" {
		format, err := ParseFormat(c.LogFormat)
		if err != nil {
			return cfg, err
		}
		cfg.Format = format
	}
	return cfg, nil
}

// New creates a logger with the given configuration.
func New(cfg Config) *slog.Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: cfg.Level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return slog.New(handler)
}

// shouldRedact checks if an attribute key names a credential.
func shouldRedact(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"secret", "token", "password", "auth"} {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// ParseLevel parses a log level string.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// ParseFormat parses a log format string.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
