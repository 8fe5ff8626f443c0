// Package logging defines the structured-logging interface used across
// CapsuleKeeper, with slog and zap implementations behind it.
package logging

import (
	"context"
	"io"
	"log/slog"

	"go.uber.org/zap"
)

// Logger is a context-aware, structured logger.
//
// The variadic args are interpreted as key-value pairs, e.g.:
//
//	log.Info(ctx, "delivery sent", "delivery_id", id, "channel", ch)
type Logger interface {
	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs a warning message for unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs an error message for failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key-value pairs.
	With(args ...any) Logger
}

// New builds the process logger for the given format: "zap" selects a zap
// production logger, anything else a JSON slog handler writing to w.
func New(format string, w io.Writer) (Logger, error) {
	if format == "zap" {
		l, err := zap.NewProduction()
		if err != nil {
			return nil, err
		}
		return NewZapLogger(l), nil
	}
	return NewSlogLogger(slog.New(slog.NewJSONHandler(w, nil))), nil
}

// Nop discards everything.
type Nop struct{}

func (Nop) Info(context.Context, string, ...any)  {}
func (Nop) Warn(context.Context, string, ...any)  {}
func (Nop) Error(context.Context, string, ...any) {}
func (n Nop) With(...any) Logger                  { return n }
