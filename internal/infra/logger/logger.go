// Package logger builds the copilot's slog loggers.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"crm-copilot/internal/domain"
	"crm-copilot/internal/infra/config"
)

// New builds the root logger from the logger config section. The closer
// releases a log file and is a no-op for stdout and stderr.
func New(cfg config.LoggerConfig) (*slog.Logger, func() error, error) {
	writer, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return slog.New(newHandler(writer, cfg)).With("service", "crm-copilot"), closer, nil
}

func newHandler(w io.Writer, cfg config.LoggerConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Component returns a child logger for one subsystem.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With("component", name)
}

// WithConversation tags l with the conversation id carried by ctx, if any.
func WithConversation(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := domain.ConversationIDFromContext(ctx); id != "" {
		return l.With("conversation_id", id)
	}
	return l
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// parseLevel maps a config level name to a slog level. Unknown names are info.
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

// openOutput resolves "stdout", "stderr" (the default) or a file path. Log
// files may carry conversation content and are created 0600.
func openOutput(output string) (io.Writer, func() error, error) {
	noop := func() error { return nil }

	switch strings.ToLower(output) {
	case "stdout":
		return os.Stdout, noop, nil
	case "stderr", "":
		return os.Stderr, noop, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}
