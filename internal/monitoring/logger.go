// Package monitoring provides the structured logger and Prometheus metrics
// shared by the rest of the process.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level   string // debug | info | warn | error
	Format  string // json | text | pretty
	Service string // attached to every line as "service"
}

// NewLogger creates a structured logger.
//
// Output is JSON by default so lines can be shipped to a log aggregator
// unmodified; "pretty" switches to a console writer for development.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: "info", Format: "json", Service: "actingwebd"})
//	logger.Info().Str("component", "fanout").Msg("started")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "actingwebd"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// LogErrorWithStack logs an error with the current stack trace. Use for
// unexpected failures where the call path matters.
func LogErrorWithStack(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err).Str("stack_trace", string(debug.Stack()))
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic recovers a goroutine panic, logs it with the stack, and lets
// the process continue. Use in the defer block of every spawned goroutine.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "dispatch-worker", map[string]any{"worker_id": id})
//	    // ... work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}

// InitGlobalLogger initializes the zerolog global logger. Called once at
// startup so packages that use log.Logger share the same configuration.
func InitGlobalLogger(config LoggerConfig) {
	log.Logger = NewLogger(config)
}
