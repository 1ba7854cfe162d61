// Package observability provides the structured logging and metrics used
// across the session and cache core.
package observability

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the logging surface every component depends on. It wraps zap
// so call sites never need to import zap directly.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Named(name string) Logger
}

type zapLogger struct {
	l *zap.Logger
}

var (
	defaultOnce   sync.Once
	defaultLogger Logger
)

// NewLogger builds a production-profile zap logger writing structured JSON
// to stderr (stdout is reserved for stdio-transport protocols elsewhere in
// the addon), named with prefix.
func NewLogger(prefix string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		// Fall back to a minimal logger rather than aborting the process;
		// logging failures must never be fatal for session operations.
		l = zap.NewNop()
	}
	if prefix != "" {
		l = l.Named(prefix)
	}
	return &zapLogger{l: l}
}

// Default returns a process-wide logger named "session-core", created
// lazily on first use per the module-level-state convention (spec §9).
func Default() Logger {
	defaultOnce.Do(func() {
		defaultLogger = NewLogger("session-core")
	})
	return defaultLogger
}

// NewNoop returns a logger that discards everything, used in tests.
func NewNoop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

func (z *zapLogger) Named(name string) Logger {
	return &zapLogger{l: z.l.Named(name)}
}

func init() {
	// Keep zap from ever writing to a closed stderr during test teardown.
	if os.Getenv("SESSION_CORE_TEST") != "" {
		defaultOnce.Do(func() {
			defaultLogger = NewNoop()
		})
	}
}
