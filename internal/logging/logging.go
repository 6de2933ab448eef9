// Package logging provides component-scoped structured logging for the
// runtime, together with trace identifier helpers shared by the API client
// and the bridge.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ctxKey int

const traceIDKey ctxKey = iota

// Logger wraps a zerolog.Logger scoped to one runtime component.
type Logger struct {
	zl zerolog.Logger
}

// New creates a logger for the named component writing to stderr.
func New(component string) *Logger {
	zl := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("component", component).
		Logger()
	return &Logger{zl: zl}
}

// NewDefault is like New but honours the JOURNEY_LOG_LEVEL environment
// variable (defaults to info).
func NewDefault(component string) *Logger {
	l := New(component)
	level, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("JOURNEY_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	l.zl = l.zl.Level(level)
	return l
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// WithError returns a logger with the error attached to subsequent entries.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// WithField returns a logger with an extra field attached.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{zl: l.zl.With().Interface(key, value).Logger()}
}

// WithTrace returns a logger carrying the trace id from ctx, if any.
func (l *Logger) WithTrace(ctx context.Context) *Logger {
	id := TraceIDFrom(ctx)
	if id == "" {
		return l
	}
	return &Logger{zl: l.zl.With().Str("trace_id", id).Logger()}
}

func (l *Logger) Debug(msg string) { l.zl.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zl.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zl.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zl.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// LogRequest records one outbound HTTP request with its latency.
func (l *Logger) LogRequest(ctx context.Context, method, url string, status int, d time.Duration) {
	l.WithTrace(ctx).zl.Info().
		Str("method", method).
		Str("url", url).
		Int("status", status).
		Dur("duration", d).
		Msg("http request")
}

// NewTraceID returns a fresh 32-hex-character trace identifier.
func NewTraceID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}

// NewTraceparent builds a W3C trace context header value with fresh trace
// and span identifiers and the sampled flag set.
func NewTraceparent() string {
	var traceID [16]byte
	var spanID [8]byte
	_, _ = rand.Read(traceID[:])
	_, _ = rand.Read(spanID[:])
	return "00-" + hex.EncodeToString(traceID[:]) + "-" + hex.EncodeToString(spanID[:]) + "-01"
}

// WithTraceID stores a trace id in the context.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceIDFrom extracts the trace id from ctx, or "".
func TraceIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}
