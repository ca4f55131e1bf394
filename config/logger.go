package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func (l Log) validate() error {
	if _, err := l.level(); err != nil {
		return err
	}
	switch l.Format {
	case "", FormatConsole, FormatJSON:
		return nil
	default:
		return fmt.Errorf("config: log.format must be %q or %q, got %q", FormatConsole, FormatJSON, l.Format)
	}
}

func (l Log) level() (zerolog.Level, error) {
	if l.Level == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(l.Level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("config: log.level: %w", err)
	}
	return level, nil
}

// Logger builds a logger writing to w. Console format is human readable;
// JSON format writes one object per line.
func (l Log) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := l.level()
	if err != nil {
		return zerolog.Nop(), err
	}

	if l.Format != FormatJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
