// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const permission = 0o664

type Options struct {
	Level  string
	Format string // "console" or "json"
	Path   string
	// Writer overrides stderr; ignored when Path is set.
	Writer io.Writer
}

// Logger is the constructed logger plus the file it writes to, if any.
type Logger struct {
	zerolog.Logger
	file *os.File
}

func New(opts Options) (*Logger, error) {
	level := zerolog.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("log level %q: %w", s, err)
		}
		level = parsed
	}

	var (
		out  io.Writer = os.Stderr
		file *os.File
	)
	if opts.Writer != nil {
		out = opts.Writer
	}
	if opts.Path != "" {
		f, err := os.OpenFile(opts.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, permission)
		if err != nil {
			return nil, err
		}
		file = f
		out = zerolog.SyncWriter(f)
	}
	switch strings.ToLower(opts.Format) {
	case "", "console":
		if file == nil {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	case "json":
	default:
		if file != nil {
			_ = file.Close()
		}
		return nil, fmt.Errorf("log format %q", opts.Format)
	}
	l := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &Logger{Logger: l, file: file}, nil
}

func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
