// Package logger constructs the process logger from configuration.
package logger

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/h2serve/internal/config"
)

// New builds a zerolog.Logger per cfg. When the target is a file path the
// returned closer owns it; for stdout/stderr the closer is a no-op.
func New(cfg *config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	if cfg == nil {
		return zerolog.Nop(), nopCloser{}, errors.New("logging configuration cannot be nil")
	}

	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil {
		return zerolog.Nop(), nopCloser{}, errors.Wrapf(err, "parsing log level %q", cfg.Level)
	}

	var out io.Writer
	closer := io.Closer(nopCloser{})
	switch target := deref(cfg.Target, "stderr"); target {
	case "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, errors.Wrapf(err, "opening log file %s", target)
		}
		out = file
		closer = file
	}

	if deref(cfg.Format, "console") == "console" {
		out = zerolog.ConsoleWriter{Out: out}
	}

	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return log, closer, nil
}

func deref(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
