package logger

import (
	"sync"
)

var (
	globalLogger *SystemLogger
	mu           sync.RWMutex
)

// InitGlobalLogger initializes the global system logger. Later calls replace the previous logger.
func InitGlobalLogger(sink Sink, config SystemLoggerConfig) *SystemLogger {
	if config.Service == "" {
		config.Service = "paygate"
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.MinLevel == "" && config.Environment == "development" {
		config.MinLevel = LevelDebug
	}

	l := NewSystemLogger(sink, config)
	SetGlobalLogger(l)
	return l
}

// SetGlobalLogger swaps the global logger, mostly for tests
func SetGlobalLogger(l *SystemLogger) {
	mu.Lock()
	globalLogger = l
	mu.Unlock()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *SystemLogger {
	mu.RLock()
	l := globalLogger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if globalLogger == nil {
		// console-only fallback when nothing was initialised
		globalLogger = NewSystemLogger(nil, SystemLoggerConfig{
			EnableConsole: true,
			MinLevel:      LevelInfo,
			Service:       "paygate",
			Version:       "1.0.0",
			Environment:   "development",
		})
	}
	return globalLogger
}

// Debug logs a debug message using the global logger
func Debug(message string, ctx ...LogContext) {
	GetGlobalLogger().log(LevelDebug, message, nil, ctx...)
}

// Info logs an info message using the global logger
func Info(message string, ctx ...LogContext) {
	GetGlobalLogger().log(LevelInfo, message, nil, ctx...)
}

// Warn logs a warning message using the global logger
func Warn(message string, ctx ...LogContext) {
	GetGlobalLogger().log(LevelWarn, message, nil, ctx...)
}

// Error logs an error message using the global logger
func Error(message string, err error, ctx ...LogContext) {
	GetGlobalLogger().log(LevelError, message, err, ctx...)
}

// Fatal logs a fatal message using the global logger and exits
func Fatal(message string, err error, ctx ...LogContext) {
	GetGlobalLogger().Fatal(message, err, ctx...)
}

// WithContext creates a context logger from the global logger
func WithContext(ctx LogContext) *ContextLogger {
	return GetGlobalLogger().WithContext(ctx)
}

// WithReference creates a context logger bound to a transaction reference
func WithReference(reference string) *ContextLogger {
	return WithContext(LogContext{Reference: reference})
}

// WithProvider creates a context logger with provider
func WithProvider(provider string) *ContextLogger {
	return WithContext(LogContext{Provider: provider})
}
