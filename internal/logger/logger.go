// Package logger installs the process-wide slog handler and hands out
// component-scoped loggers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey struct{}

// Setup installs a text or json handler at level as the default logger.
func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithJobID stores a job id on ctx so FromContext loggers carry it.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, contextKey{}, jobID)
}

// FromContext returns the default logger, tagged with the job id if ctx has one.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if jobID, ok := ctx.Value(contextKey{}).(string); ok {
		l = l.With("job_id", jobID)
	}
	return l
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
