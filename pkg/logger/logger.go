// Package logger provides the structured logger used across the service.
// It wraps zap behind a small context-first interface so components can
// be constructed with a no-op logger in tests.
package logger

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger is the logging interface components receive in their constructors.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...zap.Field)
	Info(ctx context.Context, msg string, fields ...zap.Field)
	Warn(ctx context.Context, msg string, fields ...zap.Field)
	Error(ctx context.Context, msg string, fields ...zap.Field)
}

type zapLogger struct {
	core *zap.Logger
}

// New wraps a zap logger.
func New(core *zap.Logger) Logger {
	return &zapLogger{core: core}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &zapLogger{core: zap.NewNop()}
}

func (l *zapLogger) Debug(_ context.Context, msg string, fields ...zap.Field) {
	l.core.Debug(msg, fields...)
}

func (l *zapLogger) Info(_ context.Context, msg string, fields ...zap.Field) {
	l.core.Info(msg, fields...)
}

func (l *zapLogger) Warn(_ context.Context, msg string, fields ...zap.Field) {
	l.core.Warn(msg, fields...)
}

func (l *zapLogger) Error(_ context.Context, msg string, fields ...zap.Field) {
	l.core.Error(msg, fields...)
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	l := NewNop()
	defaultLogger.Store(&l)
}

// SetDefault replaces the process-wide default logger.
func SetDefault(l Logger) {
	defaultLogger.Store(&l)
}

// L returns the process-wide default logger.
func L() Logger {
	return *defaultLogger.Load()
}
