// Package logging builds the gateway's slog logger from configuration.
package logging

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/voltwatch/offgate/internal/config"
)

// New builds the process logger. Every record carries the component
// attribute so gateway lines are separable from origin access logs when both
// land in the same collector.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	handler, err := newHandler(cfg.Format, level)
	if err != nil {
		return nil, err
	}
	return slog.New(handler).With(slog.String("component", "offgate")), nil
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("logging: unsupported level %q", raw)
	}
}

func newHandler(format string, level slog.Level) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "json", "":
		return slog.NewJSONHandler(os.Stdout, opts), nil
	case "text":
		return slog.NewTextHandler(os.Stdout, opts), nil
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", format)
	}
}
