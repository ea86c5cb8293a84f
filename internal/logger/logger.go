// Package logger provides the process-wide structured logger.
//
// The package exposes a small printf-style surface (Info, Infof, Errorf, ...)
// backed by a zap sugared logger so call sites stay terse. Initialize must be
// called once at startup; before that, calls go to a production-configured
// fallback so early init code can still log.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log = newDefault(false)
)

func newDefault(debug bool) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap only fails on invalid config; ours is static
		panic(err)
	}
	return l.Sugar()
}

// Initialize configures the global logger. When debug is true, the logger
// switches to a human-readable console encoding at debug level.
func Initialize(debug bool) {
	mu.Lock()
	defer mu.Unlock()
	log = newDefault(debug)
}

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = log.Sync()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Debug logs at debug level.
func Debug(args ...any) { current().Debug(args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { current().Debugf(format, args...) }

// Info logs at info level.
func Info(args ...any) { current().Info(args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { current().Infof(format, args...) }

// Warn logs at warn level.
func Warn(args ...any) { current().Warn(args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { current().Warnf(format, args...) }

// Error logs at error level.
func Error(args ...any) { current().Error(args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { current().Errorf(format, args...) }

// Fatalf logs a formatted message and exits the process.
func Fatalf(format string, args ...any) { current().Fatalf(format, args...) }
