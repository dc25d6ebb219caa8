// Package ctxlog provides context-aware logging utilities.
package ctxlog

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// FromContext extracts the logger from context.
// Returns slog.Default() if no logger is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Component returns a child logger tagged with the component name. Every log
// record in the engine carries this attribute.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// MaskRecipient truncates a recipient identifier to its last 10 characters
// for logging, so addresses and tokens never appear whole in log output.
func MaskRecipient(recipient string) string {
	if len(recipient) <= 10 {
		return recipient
	}
	return "..." + recipient[len(recipient)-10:]
}
