package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/proxyhost/internal/config"
)

// NewLogger returns the process logger. LOG_FORMAT=console switches from
// JSON lines to zerolog's human-readable writer for local runs.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return build(os.Stdout, cfg)
}

func build(out io.Writer, cfg *config.Config) zerolog.Logger {
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: true}
	}

	fields := map[string]any{}
	if cfg.ServiceName != "" {
		fields["service"] = cfg.ServiceName
	}
	if cfg.BaseDomain != "" {
		fields["base_domain"] = cfg.BaseDomain
	}

	return zerolog.New(out).
		Level(parseLevel(cfg.LogLevel)).
		With().
		Timestamp().
		Fields(fields).
		Logger()
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
