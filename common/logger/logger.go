package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides a unified logging interface for the hrask middleware.
// Package-level helpers write through a shared zap logger that Init replaces.

// LogLevel represents log severity levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu    sync.RWMutex
	base  = zap.NewNop()
	sugar = base.Sugar()
	atom  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Init builds the process logger. format is "json" or "text"; level is
// debug, info, warn, error or none.
func Init(format, level string) error {
	l, err := New(format, level)
	if err != nil {
		return err
	}
	Replace(l)
	return nil
}

// New builds a zap logger without installing it.
func New(format, level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	atom.SetLevel(lvl)

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if format == "text" {
		cfg.Encoding = "console"
		cfg.DisableCaller = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return l.With(zap.String("service", "hrask")), nil
}

// Replace installs l as the process logger. Used by Init and by tests.
func Replace(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	sugar = l.Sugar()
	mu.Unlock()
}

// L returns the underlying zap logger for structured fields.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() error {
	return L().Sync()
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debugf logs a debug message
func Debugf(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Infof logs an info message
func Infof(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Warnf logs a warning message
func Warnf(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Errorf logs an error message
func Errorf(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// SetLevel sets the minimum log level
func SetLevel(level LogLevel) {
	switch level {
	case LevelDebug:
		atom.SetLevel(zap.DebugLevel)
	case LevelInfo:
		atom.SetLevel(zap.InfoLevel)
	case LevelWarn:
		atom.SetLevel(zap.WarnLevel)
	default:
		atom.SetLevel(zap.ErrorLevel)
	}
}

// ContextLogger carries fixed key/values, e.g. the query id of one request.
type ContextLogger struct {
	s *zap.SugaredLogger
}

// WithContext creates a new logger with context
func WithContext(context map[string]interface{}) *ContextLogger {
	kv := make([]interface{}, 0, len(context)*2)
	for k, v := range context {
		kv = append(kv, k, v)
	}
	return &ContextLogger{s: current().With(kv...)}
}

func (c *ContextLogger) Debugf(format string, args ...interface{}) { c.s.Debugf(format, args...) }

func (c *ContextLogger) Infof(format string, args ...interface{}) { c.s.Infof(format, args...) }

func (c *ContextLogger) Warnf(format string, args ...interface{}) { c.s.Warnf(format, args...) }

func (c *ContextLogger) Errorf(format string, args ...interface{}) { c.s.Errorf(format, args...) }
