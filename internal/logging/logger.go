package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/config"
)

const defaultLevel = zerolog.InfoLevel

// NewLogger initializes and configures a new zerolog.Logger.
func NewLogger(cfg config.Logging) (zerolog.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.Logging, out io.Writer) (zerolog.Logger, error) {
	level := defaultLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to parse log level '%s': %w", cfg.Level, err)
		}

		level = l
	}

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).
		With().
		Timestamp().
		Logger().
		Level(level)

	return logger, nil
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// Fatal calls Fatal on the default zerolog logger. It's intended to be used
// where a configured logger isn't available yet.
func Fatal(err any, msg string) {
	logger := log.With().
		Timestamp().
		Caller().
		Logger()

	switch v := err.(type) {
	case error:
		logger.Fatal().
			CallerSkipFrame(2).
			Err(v).
			Msg(msg)
	default:
		logger.Fatal().
			CallerSkipFrame(2).
			Interface("error", err).
			Msg(msg)
	}
}
