// Package logging constructs the slog loggers used across lsq. Console
// output is for humans on a terminal; json is for anything collecting the
// stream. Diagnostics always go to stderr so command output stays clean.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// FieldComponent is the structured logging key for subsystem names.
const FieldComponent = "component"

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// New constructs a slog logger using the provided options.
func New(opts Options) (*slog.Logger, error) {
	if opts.Output == nil {
		return nil, fmt.Errorf("logging: nil output writer")
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(ParseLevel(opts.Level))

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(opts.Output, &slog.HandlerOptions{Level: levelVar})
	case "console", "text":
		handler = slog.NewTextHandler(opts.Output, &slog.HandlerOptions{Level: levelVar})
	default:
		return nil, fmt.Errorf("logging: unsupported format %q", opts.Format)
	}

	return slog.New(handler), nil
}

// NewNop returns a logger that discards everything.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithComponent tags a logger with a subsystem name.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	return logger.With(FieldComponent, component)
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
