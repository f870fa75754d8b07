// Package observability defines shared logging primitives.
package observability

import "sync/atomic"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
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

type loggerHolder struct{ Logger }

var defaultLogger atomic.Value

func init() {
	defaultLogger.Store(loggerHolder{noopLogger{}})
}

// SetLogger overrides the process default logger. A nil logger restores the no-op logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger.Store(loggerHolder{logger})
}

// Log returns the current process default logger.
func Log() Logger {
	return defaultLogger.Load().(loggerHolder).Logger
}

// OrDefault returns logger when set, else the process default.
func OrDefault(logger Logger) Logger {
	if logger == nil {
		return Log()
	}
	return logger
}

// Nop returns a logger that drops everything.
func Nop() Logger { return noopLogger{} }

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
