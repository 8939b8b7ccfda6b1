package logger

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"stockflow/internal/config"
)

// New builds the process logger and installs it as the zerolog global.
func New(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if strings.EqualFold(cfg.Format, "json") {
		base = zerolog.New(w)
	} else {
		base = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}

	l := base.With().Timestamp().Logger().Level(level)
	if cfg.Caller {
		l = l.With().Caller().Logger()
	}
	zlog.Logger = l
	return l
}

// Component derives a child logger tagged with the component name.
func Component(lg zerolog.Logger, name string) zerolog.Logger {
	return lg.With().Str("component", name).Logger()
}
