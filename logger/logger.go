package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"stake-arena/config"
)

// New builds the service logger. Development gets the console writer, everything else JSON.
func New(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "stake-arena").
		Logger()
}
