// Package logger builds the process-wide zerolog logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options selects where and how logs are written.
type Options struct {
	// File receives JSON logs when set. Otherwise logs go to stderr so
	// stdout stays free for prompt output.
	File string
	// Pretty switches stderr output to zerolog's console format.
	Pretty bool
	// Level overrides LOG_LEVEL when non-empty.
	Level string
}

// New builds a logger from opts. The level comes from opts.Level, then the
// LOG_LEVEL environment variable (trace, debug, info, warn, error, disabled).
// The returned closer releases the log file, if one was opened.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv("LOG_LEVEL")
	}
	level := ParseLevel(levelName)

	var (
		output io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)
	switch {
	case opts.File != "":
		//nolint:gosec // G304: User-specified log file path is intentional
		file, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %s: %w", opts.File, err)
		}
		output, closer = file, file
	case opts.Pretty:
		output = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	log := zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Debug().Str("level", level.String()).Str("file", opts.File).Bool("pretty", opts.Pretty).Msg("Logger initialized")
	return log, closer, nil
}

// ParseLevel maps a level name to a zerolog level, defaulting to warn.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.WarnLevel
	}
}
