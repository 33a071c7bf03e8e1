// Package logger provides the structured logging interface used across the
// server packages, with zerolog-backed implementations for JSON output,
// human-readable console output, and a no-op sink.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field is one key-value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger shared by the server, client and command
// packages. A server derives one Logger per server with a "server" field and
// one per session with "session" and "remote" fields.
type Logger interface {
	// Debug logs per-connection detail: connects, disconnects and rejected
	// connections during shutdown.
	Debug(msg string, fields ...Field)

	// Info logs lifecycle milestones such as start and stop.
	Info(msg string, fields ...Field)

	// Warn logs a failure confined to one session, e.g. a failed read or write.
	Warn(msg string, fields ...Field)

	// Error logs a server-level failure: accept errors, shutdown faults and
	// recovered handler panics.
	Error(msg string, fields ...Field)

	// With returns a derived Logger that adds fields to every entry.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach, such as the session ID
	//
	// Returns:
	//   - A new Logger; the receiver is unchanged
	With(fields ...Field) Logger
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
//
// Returns:
//   - A Logger that writes through the given zerolog instance
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// NewWriterLogger creates a Logger that writes JSON entries to w.
//
// Parameters:
//   - w: Destination for log entries
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log
//
// Returns:
//   - A Logger writing JSON lines to w
func NewWriterLogger(w io.Writer, serviceName string, level zerolog.Level) Logger {
	return NewZerologLogger(zerolog.New(w), serviceName, level)
}

// NewConsoleLogger creates a Logger that writes human-readable, colorized
// entries to stdout. Intended for local development and examples.
func NewConsoleLogger(serviceName string, level zerolog.Level) Logger {
	out := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return NewZerologLogger(zerolog.New(out), serviceName, level)
}

// NewNopLogger returns a Logger that discards every entry.
func NewNopLogger() Logger {
	return &zerologLogger{logger: zerolog.Nop()}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// toMap converts a slice of Field into a map for zerolog.
func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}
