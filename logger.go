package qbroker

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger defines the logging interface required by the broker.
// Implement this interface to integrate your logging system (zap, logrus, etc.),
// or wrap a *slog.Logger with NewSlogLogger.
//
// Example implementation:
//
//	type ZapLogger struct {
//	    logger *zap.Logger
//	}
//
//	func (l *ZapLogger) Infof(format string, args ...interface{}) {
//	    l.logger.Sugar().Infof(format, args...)
//	}
type Logger interface {
	// Debugf logs debug-level messages with printf-style formatting.
	Debugf(format string, args ...interface{})

	// Infof logs info-level messages with printf-style formatting.
	Infof(format string, args ...interface{})

	// Warnf logs warning-level messages with printf-style formatting.
	Warnf(format string, args ...interface{})

	// Errorf logs error-level messages with printf-style formatting.
	Errorf(format string, args ...interface{})

	// Info logs info-level messages without formatting.
	Info(message string)
}

// NoopLogger is a no-operation logger implementation useful for testing
// or when logging is not desired. All methods are no-ops.
type NoopLogger struct{}

// Debugf implements Logger.Debugf as a no-op.
func (l *NoopLogger) Debugf(_ string, _ ...interface{}) {}

// Infof implements Logger.Infof as a no-op.
func (l *NoopLogger) Infof(_ string, _ ...interface{}) {}

// Warnf implements Logger.Warnf as a no-op.
func (l *NoopLogger) Warnf(_ string, _ ...interface{}) {}

// Errorf implements Logger.Errorf as a no-op.
func (l *NoopLogger) Errorf(_ string, _ ...interface{}) {}

// Info implements Logger.Info as a no-op.
func (l *NoopLogger) Info(_ string) {}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps logger. A nil logger falls back to slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// Debugf implements Logger.Debugf.
func (l *SlogLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

// Infof implements Logger.Infof.
func (l *SlogLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

// Warnf implements Logger.Warnf.
func (l *SlogLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, format, args...)
}

// Errorf implements Logger.Errorf.
func (l *SlogLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

// Info implements Logger.Info.
func (l *SlogLogger) Info(message string) {
	l.logger.Info(message)
}

func (l *SlogLogger) log(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, args...))
}
