package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger from the environment and returns it.
//
// LOG_LEVEL accepts dev/development/debug, info, warn/warning and
// error/production/prod. LOG_FORMAT=json switches from console output.
// LOG_FILE redirects output away from stderr, which keeps the chat view clean.
func Init(defaultLevel zerolog.Level) zerolog.Logger {
	level := defaultLevel
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = ParseLevel(l, defaultLevel)
	}

	var out io.Writer = os.Stderr
	if path := os.Getenv("LOG_FILE"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			out = f
		}
	}

	logger := New(out, level, os.Getenv("LOG_FORMAT") == "json")
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger
}

// New builds a logger writing to w at the given level.
func New(w io.Writer, level zerolog.Level, json bool) zerolog.Logger {
	if !json {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps the level names used in LOG_LEVEL to zerolog levels.
func ParseLevel(s string, fallback zerolog.Level) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development", "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "production", "prod":
		return zerolog.ErrorLevel
	default:
		return fallback
	}
}
