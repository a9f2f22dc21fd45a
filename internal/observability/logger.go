package observability

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide structured logger: JSON output, debug
// level in dev, trace/span ids injected via TraceHandler so every log line
// emitted from a traced context can be correlated to its span.
func NewLogger(env string) *slog.Logger {
	level := slog.LevelInfo

	if env == "dev" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	return slog.New(NewTraceHandler(handler))
}
