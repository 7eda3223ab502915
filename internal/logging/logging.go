// Package logging builds the root zerolog logger for the vmbackup CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Format selects how log lines are rendered.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Options configures New.
type Options struct {
	// Format of the primary sink. Empty means console.
	Format Format
	// Level is a zerolog level name. Empty means info.
	Level string
	// File, when set, receives JSON lines in addition to the primary sink.
	File string
	// Writer is the primary sink. Defaults to os.Stderr.
	Writer io.Writer
}

// New returns a logger and a closer for the optional log file. The closer
// is never nil.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if opts.Level != "" {
		l, err := zerolog.ParseLevel(opts.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}

	var primary io.Writer
	switch opts.Format {
	case "", FormatConsole:
		primary = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case FormatJSON:
		primary = out
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unsupported log format: %s (supported: console, json)", opts.Format)
	}

	var closer io.Closer = nopCloser{}
	writer := primary
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		writer = zerolog.MultiLevelWriter(primary, f)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
