package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	WithContext(ctx context.Context) Logger
	WithFields(fields ...Field) Logger
	WithError(err error) Logger
}

// Field represents a logging field
type Field struct {
	Key   string
	Value interface{}
}

// ZeroLogger implements Logger using zerolog
type ZeroLogger struct {
	logger zerolog.Logger
	fields []Field
}

var (
	globalLogger *ZeroLogger
	once         sync.Once
)

// Config represents logger configuration
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Initialize initializes the global logger
func Initialize(config Config) {
	once.Do(func() {
		var output io.Writer

		switch config.Output {
		case "", "stderr":
			output = os.Stderr
		case "stdout":
			output = os.Stdout
		default:
			file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				output = os.Stderr
			} else {
				output = file
			}
		}

		if config.Format == "console" {
			output = zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: time.RFC3339,
			}
		}

		zerolog.SetGlobalLevel(parseLevel(config.Level))

		globalLogger = &ZeroLogger{
			logger: zerolog.New(output).With().Timestamp().Logger(),
		}
		log.Logger = globalLogger.logger
	})
}

// Get returns the global logger
func Get() Logger {
	if globalLogger == nil {
		Initialize(Config{Level: "info", Format: "json", Output: "stderr"})
	}
	return globalLogger
}

// New returns a logger scoped to a named component
func New(name string) Logger {
	return Get().WithFields(String("component", name))
}

// WithContext returns a logger carrying the trace ID from ctx, if any
func (l *ZeroLogger) WithContext(ctx context.Context) Logger {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return l.WithFields(String("trace_id", span.SpanContext().TraceID().String()))
	}
	return l
}

// WithFields adds fields to the logger
func (l *ZeroLogger) WithFields(fields ...Field) Logger {
	return &ZeroLogger{
		logger: l.logger,
		fields: append(append([]Field{}, l.fields...), fields...),
	}
}

// WithError adds an error to the logger
func (l *ZeroLogger) WithError(err error) Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Err(err))
}

// Debug logs a debug message
func (l *ZeroLogger) Debug(msg string, fields ...Field) {
	l.logEvent(l.logger.Debug(), msg, fields...)
}

// Info logs an info message
func (l *ZeroLogger) Info(msg string, fields ...Field) {
	l.logEvent(l.logger.Info(), msg, fields...)
}

// Warn logs a warning message
func (l *ZeroLogger) Warn(msg string, fields ...Field) {
	l.logEvent(l.logger.Warn(), msg, fields...)
}

// Error logs an error message
func (l *ZeroLogger) Error(msg string, fields ...Field) {
	l.logEvent(l.logger.Error(), msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *ZeroLogger) Fatal(msg string, fields ...Field) {
	l.logEvent(l.logger.Fatal(), msg, fields...)
}

func (l *ZeroLogger) logEvent(event *zerolog.Event, msg string, fields ...Field) {
	for _, field := range l.fields {
		event = addField(event, field)
	}
	for _, field := range fields {
		event = addField(event, field)
	}
	event.Msg(msg)
}

func addField(event *zerolog.Event, field Field) *zerolog.Event {
	switch v := field.Value.(type) {
	case string:
		return event.Str(field.Key, v)
	case int:
		return event.Int(field.Key, v)
	case int64:
		return event.Int64(field.Key, v)
	case float64:
		return event.Float64(field.Key, v)
	case bool:
		return event.Bool(field.Key, v)
	case time.Time:
		return event.Time(field.Key, v)
	case time.Duration:
		return event.Dur(field.Key, v)
	case error:
		return event.Err(v)
	default:
		return event.Interface(field.Key, v)
	}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Field constructors

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}
