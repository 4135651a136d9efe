// Package observability configures structured logging for Sekisho.
//
// It wraps log/slog with trace ID propagation so that every log line
// emitted while serving one request can be correlated with the audit
// lines the same request produced.
package observability

import (
	"context"
	"log/slog"
	"os"

	"github.com/bdobrica/Sekisho/common/environment"
	"github.com/bdobrica/Sekisho/common/trace"
)

// Setup configures the global slog logger according to the provided level
// and format strings (e.g. level="info", format="json"). Logs go to
// stderr so CLI command output on stdout stays machine-readable.
func Setup(level, format string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// SetupFromEnv calls Setup with SEKISHO_LOG_LEVEL and SEKISHO_LOG_FORMAT.
func SetupFromEnv() {
	Setup(
		environment.StringOr("SEKISHO_LOG_LEVEL", "info"),
		environment.StringOr("SEKISHO_LOG_FORMAT", "text"),
	)
}

// WithTrace returns a logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
