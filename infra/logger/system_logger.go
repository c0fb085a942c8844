package logger

import (
	"context"
	"io"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mstgnz/paygate/infra/redact"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelOrder = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel converts a config string into a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	l := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelOrder[l]; ok {
		return l
	}
	return LevelInfo
}

// SystemLog represents a structured system log entry
type SystemLog struct {
	Timestamp   time.Time      `json:"timestamp"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"message"`
	Component   string         `json:"component"`
	Function    string         `json:"function"`
	File        string         `json:"file"`
	Line        int            `json:"line"`
	Reference   string         `json:"reference,omitempty"`
	Provider    string         `json:"provider,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	Error       string         `json:"error,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Environment string         `json:"environment"`
	Service     string         `json:"service"`
	Version     string         `json:"version"`
}

// Sink receives log entries for remote storage
type Sink interface {
	LogSystemEvent(ctx context.Context, entry SystemLog) error
}

// SystemLogger writes structured logs to the console through zap and optionally to a remote sink
type SystemLogger struct {
	zap           *zap.Logger
	sink          Sink
	enableConsole bool
	enableSink    bool
	minLevel      LogLevel
	service       string
	version       string
	environment   string
}

// SystemLoggerConfig represents configuration for system logger
type SystemLoggerConfig struct {
	EnableConsole bool
	EnableSink    bool
	MinLevel      LogLevel
	Format        string // "json" or "console"
	Service       string
	Version       string
	Environment   string
	Output        io.Writer
}

// NewSystemLogger creates a new system logger
func NewSystemLogger(sink Sink, config SystemLoggerConfig) *SystemLogger {
	if config.MinLevel == "" {
		config.MinLevel = LevelInfo
	}

	return &SystemLogger{
		zap:           newZap(config),
		sink:          sink,
		enableConsole: config.EnableConsole,
		enableSink:    config.EnableSink && sink != nil,
		minLevel:      config.MinLevel,
		service:       config.Service,
		version:       config.Version,
		environment:   config.Environment,
	}
}

func newZap(config SystemLoggerConfig) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	var encoder zapcore.Encoder
	if config.Format == "json" {
		encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	// level filtering happens in shouldLog so the sink sees the same entries as the console
	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zapcore.DebugLevel)
	return zap.New(core).With(
		zap.String("service", config.Service),
		zap.String("env", config.Environment),
	)
}

// LogContext holds contextual information for logging
type LogContext struct {
	Reference string
	Provider  string
	RequestID string
	Fields    map[string]any
}

// Debug logs a debug message
func (sl *SystemLogger) Debug(message string, ctx ...LogContext) {
	sl.log(LevelDebug, message, nil, ctx...)
}

// Info logs an info message
func (sl *SystemLogger) Info(message string, ctx ...LogContext) {
	sl.log(LevelInfo, message, nil, ctx...)
}

// Warn logs a warning message
func (sl *SystemLogger) Warn(message string, ctx ...LogContext) {
	sl.log(LevelWarn, message, nil, ctx...)
}

// Error logs an error message
func (sl *SystemLogger) Error(message string, err error, ctx ...LogContext) {
	sl.log(LevelError, message, err, ctx...)
}

// Fatal logs a fatal message and exits
func (sl *SystemLogger) Fatal(message string, err error, ctx ...LogContext) {
	sl.log(LevelFatal, message, err, ctx...)
	_ = sl.zap.Sync()
	os.Exit(1)
}

// Sync flushes buffered console output
func (sl *SystemLogger) Sync() {
	_ = sl.zap.Sync()
}

// log is the core logging function
func (sl *SystemLogger) log(level LogLevel, message string, err error, ctx ...LogContext) {
	if !sl.shouldLog(level) {
		return
	}

	function, file, line := "unknown", "unknown", 0
	if pc, f, l, ok := runtime.Caller(3); ok {
		file, line = f, l
		if fn := runtime.FuncForPC(pc); fn != nil {
			function = fn.Name()
			if idx := strings.LastIndex(function, "."); idx != -1 {
				function = function[idx+1:]
			}
		}
	}

	entry := SystemLog{
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     message,
		Component:   extractComponent(file),
		Function:    function,
		File:        file,
		Line:        line,
		Environment: sl.environment,
		Service:     sl.service,
		Version:     sl.version,
	}

	if len(ctx) > 0 {
		entry.Reference = ctx[0].Reference
		entry.Provider = ctx[0].Provider
		entry.RequestID = ctx[0].RequestID
		entry.Fields = redact.Map(ctx[0].Fields)
	}
	if err != nil {
		entry.Error = redact.String(err.Error())
	}

	if sl.enableConsole {
		sl.logToConsole(entry)
	}

	if sl.enableSink {
		go sl.logToSink(entry)
	}
}

// shouldLog checks if the log level should be logged
func (sl *SystemLogger) shouldLog(level LogLevel) bool {
	return levelOrder[level] >= levelOrder[sl.minLevel]
}

// extractComponent turns /path/to/paygate/provider/iyzico/checkout.go into provider/iyzico
func extractComponent(file string) string {
	parts := strings.Split(file, "/")

	for i, part := range parts {
		if part == "paygate" && i+1 < len(parts)-1 {
			return strings.Join(parts[i+1:len(parts)-1], "/")
		}
	}

	if len(parts) >= 2 {
		return parts[len(parts)-2]
	}

	return "unknown"
}

func (sl *SystemLogger) logToConsole(entry SystemLog) {
	fields := make([]zap.Field, 0, len(entry.Fields)+5)
	fields = append(fields, zap.String("component", entry.Component))
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Provider != "" {
		fields = append(fields, zap.String("provider", entry.Provider))
	}
	if entry.RequestID != "" {
		fields = append(fields, zap.String("request_id", entry.RequestID))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	for k, v := range entry.Fields {
		fields = append(fields, zap.Any(k, v))
	}

	switch entry.Level {
	case LevelDebug:
		sl.zap.Debug(entry.Message, fields...)
	case LevelInfo:
		sl.zap.Info(entry.Message, fields...)
	case LevelWarn:
		sl.zap.Warn(entry.Message, fields...)
	default:
		sl.zap.Error(entry.Message, fields...)
	}
}

func (sl *SystemLogger) logToSink(entry SystemLog) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sl.sink.LogSystemEvent(ctx, entry); err != nil {
		log.Printf("failed to ship log entry: %v", err)
	}
}

// WithContext creates a new logger with context
func (sl *SystemLogger) WithContext(ctx LogContext) *ContextLogger {
	return &ContextLogger{
		systemLogger: sl,
		context:      ctx,
	}
}

// ContextLogger wraps SystemLogger with context
type ContextLogger struct {
	systemLogger *SystemLogger
	context      LogContext
}

// Debug logs a debug message with context
func (cl *ContextLogger) Debug(message string) {
	cl.systemLogger.log(LevelDebug, message, nil, cl.context)
}

// Info logs an info message with context
func (cl *ContextLogger) Info(message string) {
	cl.systemLogger.log(LevelInfo, message, nil, cl.context)
}

// Warn logs a warning message with context
func (cl *ContextLogger) Warn(message string) {
	cl.systemLogger.log(LevelWarn, message, nil, cl.context)
}

// Error logs an error message with context
func (cl *ContextLogger) Error(message string, err error) {
	cl.systemLogger.log(LevelError, message, err, cl.context)
}

// AddField adds a field to the context
func (cl *ContextLogger) AddField(key string, value any) *ContextLogger {
	if cl.context.Fields == nil {
		cl.context.Fields = make(map[string]any)
	}
	cl.context.Fields[key] = value
	return cl
}

// SetReference sets the transaction reference in context
func (cl *ContextLogger) SetReference(reference string) *ContextLogger {
	cl.context.Reference = reference
	return cl
}

// SetProvider sets the provider in context
func (cl *ContextLogger) SetProvider(provider string) *ContextLogger {
	cl.context.Provider = provider
	return cl
}

// SetRequestID sets the request ID in context
func (cl *ContextLogger) SetRequestID(requestID string) *ContextLogger {
	cl.context.RequestID = requestID
	return cl
}
