// Package logger builds the process-wide zerolog logger and the
// per-component children handed to each service.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the level and destination of log output
type Config struct {
	Level  string `yaml:"level"`
	Debug  bool   `yaml:"debug"` // forces debug level
	Output string `yaml:"output"`
	// TimeFormat is a Go layout for the timestamp field, RFC 3339 if empty
	TimeFormat string `yaml:"time_format"`
}

var root = zerolog.New(os.Stdout).With().Timestamp().Logger()

// New builds a logger writing to w, or to the destination named by
// config.Output when w is nil: "stdout" (default), "stderr" or "console"
// for human-readable output on stderr.
func New(config Config, w io.Writer) (zerolog.Logger, error) {
	level, err := levelOf(config)
	if err != nil {
		return zerolog.Nop(), err
	}

	if w == nil {
		switch strings.ToLower(config.Output) {
		case "", "stdout":
			w = os.Stdout
		case "stderr":
			w = os.Stderr
		case "console":
			w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		default:
			return zerolog.Nop(), fmt.Errorf("unknown log output %q", config.Output)
		}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

func levelOf(config Config) (zerolog.Level, error) {
	if config.Debug {
		return zerolog.DebugLevel, nil
	}
	if config.Level == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(config.Level))
}

// Init replaces the process logger, including zerolog's global log.Logger
func Init(config Config) error {
	l, err := New(config, nil)
	if err != nil {
		return err
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if config.TimeFormat != "" {
		zerolog.TimeFieldFormat = config.TimeFormat
	}
	root = l
	log.Logger = l
	return nil
}

// GetLogger returns the process logger
func GetLogger() zerolog.Logger {
	return root
}

// Fatal logs through the process logger and exits once the event is sent
func Fatal() *zerolog.Event {
	return root.Fatal()
}

// WithComponent returns a child logger tagged with the component name
func WithComponent(component string) zerolog.Logger {
	return root.With().Str("component", component).Logger()
}
