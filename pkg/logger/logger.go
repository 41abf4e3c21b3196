// Package logger provides structured logging utilities.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// Output formats accepted by New.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// New creates a logger at the given level. Format "console" gives colored,
// human-readable lines for local runs; anything else emits JSON.
func New(level, format string) (*Logger, error) {
	var config zap.Config
	if strings.EqualFold(format, FormatConsole) {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.Sampling = nil
		config.EncoderConfig.TimeKey = "ts"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	}
	config.Level = zap.NewAtomicLevelAt(ParseLevel(level))

	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: logger}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// ParseLevel maps a level name to a zap level. Unknown names mean info.
func ParseLevel(level string) zapcore.Level {
	if strings.EqualFold(level, "warning") {
		return zapcore.WarnLevel
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named creates a child logger for a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// WithEvent creates a child logger carrying the identifiers of an inbound event.
func (l *Logger) WithEvent(eventID, eventType, source string) *Logger {
	return l.With(
		zap.String("event_id", eventID),
		zap.String("event_type", eventType),
		zap.String("source", source),
	)
}

// WithWorkflow creates a child logger carrying workflow identifiers.
func (l *Logger) WithWorkflow(workflowID, workflowType string) *Logger {
	return l.With(
		zap.String("workflow_id", workflowID),
		zap.String("workflow_type", workflowType),
	)
}

// WithModelCall creates a child logger for one model invocation.
func (l *Logger) WithModelCall(modelID, callerType, callerName, traceID string) *Logger {
	return l.With(
		zap.String("model_id", modelID),
		zap.String("caller_type", callerType),
		zap.String("caller_name", callerName),
		zap.String("trace_id", traceID),
	)
}

// SetGlobal installs l as zap's global logger so that code logging through
// zap.L() shares its level and sinks.
func SetGlobal(l *Logger) func() {
	return zap.ReplaceGlobals(l.Logger)
}
