// Package logging provides structured logging for the fleet scheduler daemon.
package logging

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Format string // "json" or "text" ("console"); default is "text"
	Output io.Writer
	Sync   bool // flush after every entry, useful for tests asserting on captured output
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a zap.SugaredLogger with the key-value calling convention
// used throughout the scheduler, plus device/serial/request scoping.
type Logger struct {
	sugar *zap.SugaredLogger
	sync  bool
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a new logger from the given configuration.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	} else {
		encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(output), config.Level.zapLevel())
	zl := zap.New(core)
	return &Logger{sugar: zl.Sugar(), sync: config.Sync}
}

// Default returns the default logger, creating one on first use.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func (l *Logger) flush() {
	if l.sync {
		_ = l.sugar.Sync()
	}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
	l.flush()
}

func (l *Logger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
	l.flush()
}

func (l *Logger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
	l.flush()
}

func (l *Logger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
	l.flush()
}

// With returns a child logger carrying the given key-value pairs on every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sugar: l.sugar.With(args...), sync: l.sync}
}

// WithDevice scopes the logger to a device serial.
func (l *Logger) WithDevice(serial string) *Logger {
	return l.With("device_id", serial)
}

// WithQueue scopes the logger to a worker/queue index within a device.
func (l *Logger) WithQueue(queue int) *Logger {
	return l.With("queue_id", queue)
}

// WithRequest scopes the logger to a command invocation.
func (l *Logger) WithRequest(tag uint64, op string) *Logger {
	return l.With("tag", tag, "op", op)
}

// WithError attaches an error to every subsequent entry from this logger.
func (l *Logger) WithError(err error) *Logger {
	return l.With("error", err)
}

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
