// Package observability defines shared logging primitives.
package observability

import (
	"fmt"
	"log"
	"strings"
)

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F is shorthand for constructing a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	out   *log.Logger
	debug bool
}

// NewStdLogger wraps out. Debug lines are dropped unless debug is set.
func NewStdLogger(out *log.Logger, debug bool) *StdLogger {
	return &StdLogger{out: out, debug: debug}
}

// Debug logs at debug level.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.emit("INFO", msg, fields)
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.emit("ERROR", msg, fields)
}

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if l == nil || l.out == nil {
		return
	}
	var b strings.Builder
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", f.Value)
	}
	l.out.Print(b.String())
}
