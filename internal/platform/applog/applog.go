// Package applog provides the client-side structured logger: JSON output
// via log/slog, wrapped in the privacy-sanitizing handler so identity,
// contact, and message content never reach a log line.
package applog

import (
	"io"
	"log/slog"
	"os"

	"webbook/internal/platform/privacylog"
)

// New returns a component-scoped logger writing sanitized JSON to w.
// Pass nil for w to use os.Stderr.
func New(component string, level slog.Level, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(privacylog.WrapHandler(base)).With(slog.String("component", component))
}

// Default returns an info-level logger over os.Stderr for component.
func Default(component string) *slog.Logger {
	return New(component, slog.LevelInfo, nil)
}
