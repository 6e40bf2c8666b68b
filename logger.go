package snapkv

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with snapkv-specific helpers.
// Field names are kept consistent so log pipelines can rely on them.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, a text handler to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithNamespace adds a namespace field to the logger.
func (l *Logger) WithNamespace(namespace string) *Logger {
	return &Logger{Logger: l.Logger.With("namespace", namespace)}
}

// LogLoad logs the outcome of a snapshot load during initialization.
func (l *Logger) LogLoad(ctx context.Context, namespace string, count int, err error) {
	if err != nil {
		l.WarnContext(ctx, "snapshot load failed, starting empty",
			"namespace", namespace,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "loaded namespace",
		"namespace", namespace,
		"pid", os.Getpid(),
		"records", count,
	)
}

// LogFlush logs a completed snapshot flush.
func (l *Logger) LogFlush(ctx context.Context, namespace string, count int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"namespace", namespace,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "flushed namespace",
		"namespace", namespace,
		"pid", os.Getpid(),
		"records", count,
	)
}

// LogDrop logs the outcome of a namespace drop.
func (l *Logger) LogDrop(ctx context.Context, namespace string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "drop failed",
			"namespace", namespace,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "dropped namespace",
		"namespace", namespace,
		"pid", os.Getpid(),
	)
}
