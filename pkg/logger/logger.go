package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger provides structured logging over zap
type Logger struct {
	serviceName string
	version     string
	zl          *zap.Logger
}

// New creates a new logger instance writing JSON lines to stderr.
// REDB_LOG_LEVEL selects the minimum level (debug, info, warn, error).
func New(serviceName, version string) *Logger {
	return NewWithLevel(serviceName, version, os.Getenv("REDB_LOG_LEVEL"))
}

// NewWithLevel creates a logger with an explicit minimum level.
func NewWithLevel(serviceName, version, level string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	zl, err := cfg.Build()
	if err != nil {
		zl = zap.NewNop()
	}
	return NewWithZap(serviceName, version, zl)
}

// NewWithZap wraps an existing zap logger. Tests pass zaptest or zap.NewNop here.
func NewWithZap(serviceName, version string, zl *zap.Logger) *Logger {
	if zl == nil {
		zl = zap.NewNop()
	}
	return &Logger{
		serviceName: serviceName,
		version:     version,
		zl:          zl.With(zap.String("service", serviceName), zap.String("version", version)),
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
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

func (l *Logger) log(level, message string, fields map[string]string) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zf := make([]zap.Field, 0, len(fields))
	for _, k := range keys {
		zf = append(zf, zap.String(k, fields[k]))
	}

	switch level {
	case "DEBUG":
		l.zl.Debug(message, zf...)
	case "WARN":
		l.zl.Warn(message, zf...)
	case "ERROR":
		l.zl.Error(message, zf...)
	case "FATAL":
		l.zl.Error(message, zf...)
		_ = l.zl.Sync()
	default:
		l.zl.Info(message, zf...)
	}
}

// Debug logs a debug message with optional formatting
func (l *Logger) Debug(message string, args ...interface{}) {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	l.log("DEBUG", message, nil)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log("DEBUG", fmt.Sprintf(format, args...), nil)
}

// Info logs an info message with optional formatting
func (l *Logger) Info(message string, args ...interface{}) {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	l.log("INFO", message, nil)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log("INFO", fmt.Sprintf(format, args...), nil)
}

// Warn logs a warning message with optional formatting
func (l *Logger) Warn(message string, args ...interface{}) {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	l.log("WARN", message, nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log("WARN", fmt.Sprintf(format, args...), nil)
}

// Error logs an error message with optional formatting
func (l *Logger) Error(message string, args ...interface{}) {
	if len(args) > 0 {
		message = fmt.Sprintf(message, args...)
	}
	l.log("ERROR", message, nil)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log("ERROR", fmt.Sprintf(format, args...), nil)
}

// Fatalf logs a formatted fatal message and exits
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log("FATAL", fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Sync flushes buffered zap output
func (l *Logger) Sync() error {
	return l.zl.Sync()
}

// WithFields returns a context that attaches fields to every message
func (l *Logger) WithFields(fields map[string]string) *LogContext {
	return &LogContext{
		logger: l,
		fields: fields,
	}
}

// LogContext provides field-based logging
type LogContext struct {
	logger *Logger
	fields map[string]string
}

func (c *LogContext) Debug(message string) {
	c.logger.log("DEBUG", message, c.fields)
}

func (c *LogContext) Info(message string) {
	c.logger.log("INFO", message, c.fields)
}

func (c *LogContext) Warn(message string) {
	c.logger.log("WARN", message, c.fields)
}

func (c *LogContext) Error(message string) {
	c.logger.log("ERROR", message, c.fields)
}
