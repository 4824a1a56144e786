// Package logging builds the zerolog logger used across the API.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Format string // "json" or "console"
	Writer io.Writer
}

func New(opts Options) zerolog.Logger {
	writer := opts.Writer
	if writer == nil {
		writer = os.Stdout
	}
	if strings.EqualFold(opts.Format, "console") {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Str("service", "bizdesk-api").Logger()
}
