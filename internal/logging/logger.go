// Package logging provides structured logging for the ex10 sandbox server.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	once   sync.Once
	mu     sync.RWMutex
)

// Init initializes the global logger. Safe to call multiple times; only the
// first call picks the encoder.
func Init(environment string) {
	once.Do(func() {
		l := build(environment)
		mu.Lock()
		logger = l
		sugar = l.Sugar()
		mu.Unlock()
	})
}

func build(environment string) *zap.Logger {
	var cfg zap.Config
	if environment == "production" || environment == "prod" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	l, err := cfg.Build()
	if err != nil {
		// Fallback to nop logger
		return zap.NewNop()
	}
	return l
}

// L returns the global structured logger
func L() *zap.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init("")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// S returns the global sugared logger (printf-style)
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}

// WithContext returns a logger with additional structured fields
func WithContext(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}
