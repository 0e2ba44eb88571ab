// Package logger provides the process-wide structured logger for the ingest server.
//
// It wraps a zap SugaredLogger behind package-level helpers so call sites read
// like logger.Infof("...") without threading a logger through every constructor.
package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	mu    sync.RWMutex
	sugar = zap.NewNop().Sugar()
)

// Initialize configures the global logger. JSON output is used unless debug is set,
// in which case a development console encoder is used and the level drops to debug.
// An interactive stderr also gets the console encoder.
func Initialize(level string, debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(ParseLevel(level))
		if term.IsTerminal(int(os.Stderr.Fd())) {
			cfg.Encoding = "console"
			cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		}
	}
	// stdout is reserved for command output such as `version --format json`
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	sugar = l.Sugar()
	return nil
}

// Set replaces the global logger. Tests use it with zaptest or an observer core.
func Set(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugar = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// ParseLevel maps a textual level to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Sync flushes buffered log entries.
func Sync() {
	_ = get().Sync()
}

// Zap returns the underlying structured logger, for libraries that take a *zap.Logger or logr.
func Zap() *zap.Logger {
	return get().Desugar().WithOptions(zap.AddCallerSkip(-1))
}

// Named returns a child logger for a component.
func Named(name string) *zap.SugaredLogger {
	return get().Named(name)
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debug logs a message at debug level
func Debug(msg string) { get().Debug(msg) }

// Info logs a message at info level
func Info(msg string) { get().Info(msg) }

// Warn logs a message at warn level
func Warn(msg string) { get().Warn(msg) }

// Error logs a message at error level
func Error(msg string) { get().Error(msg) }

// Debugf logs a formatted message at debug level
func Debugf(format string, args ...any) { get().Debugf(format, args...) }

// Infof logs a formatted message at info level
func Infof(format string, args ...any) { get().Infof(format, args...) }

// Warnf logs a formatted message at warn level
func Warnf(format string, args ...any) { get().Warnf(format, args...) }

// Errorf logs a formatted message at error level
func Errorf(format string, args ...any) { get().Errorf(format, args...) }

// Fatalf logs a formatted message and exits the process
func Fatalf(format string, args ...any) { get().Fatalf(format, args...) }

// Debugw logs a message with key/value pairs at debug level
func Debugw(msg string, keysAndValues ...any) { get().Debugw(msg, keysAndValues...) }

// Infow logs a message with key/value pairs at info level
func Infow(msg string, keysAndValues ...any) { get().Infow(msg, keysAndValues...) }

// Warnw logs a message with key/value pairs at warn level
func Warnw(msg string, keysAndValues ...any) { get().Warnw(msg, keysAndValues...) }

// Errorw logs a message with key/value pairs at error level
func Errorw(msg string, keysAndValues ...any) { get().Errorw(msg, keysAndValues...) }
