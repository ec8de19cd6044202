package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger emits single-line JSON log entries. Every entry carries the
// service name, an action tag (e.g. "ride_assigned"), a human-readable
// message, and any request/ride correlation ids found in the context.
type Logger struct {
	service string
	zl      zerolog.Logger
}

// New creates a structured logger for the given service writing to stdout.
func New(service string) *Logger {
	return NewWithOutput(service, os.Stdout, "info")
}

// NewWithOutput creates a logger with an explicit sink and level; used by
// tests and by the serve command to honor the configured log level.
func NewWithOutput(service string, w io.Writer, level string) *Logger {
	if strings.TrimSpace(service) == "" {
		service = "unknown-service"
	}

	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		hostname = "unknown-hostname"
	}

	zl := zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Str("service", service).
		Str("hostname", hostname).
		Timestamp().
		Logger()

	return &Logger{service: service, zl: zl}
}

// Debug writes a DEBUG line with optional details.
func (l *Logger) Debug(ctx context.Context, action, msg string, details map[string]any) {
	l.emit(l.zl.Debug(), ctx, action, msg, details)
}

// Info writes an INFO line with optional details.
func (l *Logger) Info(ctx context.Context, action, msg string, details map[string]any) {
	l.emit(l.zl.Info(), ctx, action, msg, details)
}

// Warn writes a WARN line with optional details.
func (l *Logger) Warn(ctx context.Context, action, msg string, details map[string]any) {
	l.emit(l.zl.Warn(), ctx, action, msg, details)
}

// Error writes an ERROR line and attaches the error.
func (l *Logger) Error(ctx context.Context, action, msg string, err error, details map[string]any) {
	l.emit(l.zl.Error().Err(err), ctx, action, msg, details)
}

func (l *Logger) emit(ev *zerolog.Event, ctx context.Context, action, msg string, details map[string]any) {
	ev = ev.Str("action", safeAction(action))
	if id := requestID(ctx); id != "" {
		ev = ev.Str("request_id", id)
	}
	if id := rideID(ctx); id != "" {
		ev = ev.Str("ride_id", id)
	}
	if len(details) > 0 {
		ev = ev.Fields(details)
	}
	ev.Msg(strings.TrimSpace(msg))
}

// ------------ Context helpers -------------

type ctxKey string

const (
	ctxKeyRequestID ctxKey = "dispatch_request_id"
	ctxKeyRideID    ctxKey = "dispatch_ride_id"
)

// WithRequestID returns a new context carrying request_id.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if strings.TrimSpace(reqID) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRequestID, reqID)
}

// WithRideID returns a new context carrying ride_id.
func WithRideID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyRideID, id)
}

func requestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return s
	}
	return ""
}

func rideID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(ctxKeyRideID).(string); ok {
		return s
	}
	return ""
}

// ----- Small utilities -----

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func safeAction(a string) string {
	a = strings.TrimSpace(a)
	if a == "" {
		return "unspecified"
	}
	return a
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "timestamp"
	zerolog.MessageFieldName = "message"
}
