// Package logging configures the process-wide zerolog logger used by every
// ingest component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. Init must be called before use;
// until then it defaults to a console writer at info level so tests and
// small tools work without explicit setup.
var Logger zerolog.Logger

// Level names recognized by configuration files.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how Init sets up the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Init(Config{Level: InfoLevel})
}

// Init (re-)initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the component name, e.g.
// "txn", "reqmgr", "abortjob", "dirindexjob", "filesvc".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTransaction tags a child logger with the super-transaction id.
func WithTransaction(logger zerolog.Logger, id uint32) zerolog.Logger {
	return logger.With().Uint32("trans_id", id).Logger()
}

// WithWorker tags a child logger with the worker name.
func WithWorker(logger zerolog.Logger, worker string) zerolog.Logger {
	return logger.With().Str("worker", worker).Logger()
}
