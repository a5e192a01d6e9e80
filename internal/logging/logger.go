// Package logging provides structured logging with component and trace context.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/amzn/acme-compliance-agent/internal/redaction"
)

// ContextKey is the type for context keys carried through logging calls.
type ContextKey string

const (
	// TraceIDKey is the context key for a correlation/trace ID.
	TraceIDKey ContextKey = "trace_id"
	// ModuleIDKey is the context key for the compliance module a log line concerns.
	ModuleIDKey ContextKey = "module_id"
)

// Logger wraps logrus.Logger with a fixed component name.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for component with the given level/format.
func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv builds a Logger using LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// With returns a child logger scoped to a sub-component, e.g.
// base.With("executor") yields component "compliance.controller.executor".
func (l *Logger) With(subComponent string) *Logger {
	child := *l
	if l.component == "" {
		child.component = subComponent
	} else {
		child.component = l.component + "." + subComponent
	}
	return &child
}

// WithContext returns a logrus entry carrying component, trace, and module fields.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)

	if ctx == nil {
		return entry
	}
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if moduleID, ok := ctx.Value(ModuleIDKey).(string); ok && moduleID != "" {
		entry = entry.WithField("module_id", moduleID)
	}
	return entry
}

// WithError returns a logrus entry carrying the component and error fields.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		"error":     err.Error(),
	})
}

// WithField returns a logrus entry carrying the component field plus one
// extra field. Credential-shaped field names/values are redacted (spec
// §4.10 identity material, §4.11 sink credentials pass through this logger
// too).
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"component": l.component,
		key:         redaction.Value(key, value),
	})
}

// NewTraceID generates a new correlation ID for an execution request or fetch cycle.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithModuleID attaches a module identifier to ctx.
func WithModuleID(ctx context.Context, moduleID string) context.Context {
	return context.WithValue(ctx, ModuleIDKey, moduleID)
}
