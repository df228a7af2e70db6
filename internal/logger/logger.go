// Package logger builds the zerolog logger shared by every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options - параметры журнала.
type Options struct {
	Level  string
	Format string
}

// Validate проверяет уровень и формат.
func (o Options) Validate() error {
	if _, err := ParseLevel(o.Level); err != nil {
		return err
	}
	switch strings.ToLower(o.Format) {
	case "", FormatJSON, FormatConsole:
		return nil
	default:
		return fmt.Errorf("invalid log format %q: must be %s or %s", o.Format, FormatJSON, FormatConsole)
	}
}

// ParseLevel разбирает уровень; пустая строка означает info.
func ParseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// New создает логгер, пишущий в w (stderr, если w == nil).
func New(opts Options, w io.Writer) (zerolog.Logger, error) {
	if err := opts.Validate(); err != nil {
		return zerolog.Nop(), err
	}
	if w == nil {
		w = os.Stderr
	}
	level, _ := ParseLevel(opts.Level)

	if strings.ToLower(opts.Format) == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
