// Package log provides structured logging for seemu using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with emulator-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Default returns the global logger, or a no-op logger before Init.
func Default() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Trace logs a serviced syscall at debug level.
func (l *Logger) Trace(pc uint32, category, name, detail string) {
	l.Debug("syscall",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.String("pc", Hex(pc)),
	)
}

// Crash logs a terminal fault of the emulated machine.
func (l *Logger) Crash(pc uint32, reason string, fields ...zap.Field) {
	l.Error("crashed", append([]zap.Field{zap.String("pc", Hex(pc)), zap.String("reason", reason)}, fields...)...)
}

// Transport logs a recoverable connectivity problem.
func (l *Logger) Transport(op string, err error) {
	l.Warn("transport", zap.String("op", op), zap.Error(err))
}

// With returns a logger with the given fields preset.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return l.With(zap.String("cat", category))
}

// Hex formats a 32-bit guest value as a hex string for logging.
func Hex(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint32) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint32) zap.Field {
	return zap.Uint32("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint32) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Syscall creates a syscall name field.
func Syscall(name string) zap.Field {
	return zap.String("syscall", name)
}

// Session creates a session id field.
func Session(id string) zap.Field {
	return zap.String("session", id)
}
