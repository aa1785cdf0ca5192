package app

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	ce "github.com/ineyio/creditengine"
)

// NewLogger constructs a zerolog.Logger from the log config.
// Unknown levels fall back to info.
func NewLogger(cfg ce.LogConfig) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(out io.Writer, cfg ce.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "creditengine").
		Logger()

	if cfg.Format == "console" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	return logger
}
