// Package logging is the structured logging surface of the event plane:
// slog JSON output with OTEL trace correlation and a runtime-adjustable
// level.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

//go:generate go run github.com/matryer/moq@v0.5.3 -out logger_mock.go . Logger

// Logger is the minimal logging contract the rest of the code depends on.
// Implementations attach trace_id/span_id when the context carries a Span.
type Logger interface {
	Info(ctx context.Context, msg string, keysAndValues ...any)
	Warn(ctx context.Context, msg string, keysAndValues ...any)
	Error(ctx context.Context, msg string, keysAndValues ...any)
	Debug(ctx context.Context, msg string, keysAndValues ...any)
}

// level is shared by every logger from this package so SetLevel takes
// effect process-wide, including on loggers already handed out.
var level slog.LevelVar

func init() {
	SetLevel(os.Getenv("LOG_LEVEL"))
}

// SetLevel adjusts the process log level; unknown names select info.
func SetLevel(name string) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

type slogLogger struct {
	base *slog.Logger
}

// New constructs a JSON Logger tagged with the given service name.
func New(service string) Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level})
	return &slogLogger{base: slog.New(h).With("service", service)}
}

var defaultLogger Logger = New("cmp-events")

// Default returns the process-wide default Logger.
func Default() Logger { return defaultLogger }

// SetDefault overrides the process-wide default Logger (useful for tests).
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// log emits one record, appending the span correlation attributes last so
// they never collide with caller-supplied keys.
func (l *slogLogger) log(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		kv = append(kv, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	l.base.Log(ctx, lvl, msg, kv...)
}

func (l *slogLogger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(ctx, slog.LevelInfo, msg, keysAndValues)
}

func (l *slogLogger) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(ctx, slog.LevelWarn, msg, keysAndValues)
}

func (l *slogLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(ctx, slog.LevelError, msg, keysAndValues)
}

func (l *slogLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	l.log(ctx, slog.LevelDebug, msg, keysAndValues)
}
