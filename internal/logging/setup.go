package logging

import (
	"io"
	"log/slog"
	"os"
)

// Output formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options controls how the process logger is built.
type Options struct {
	// Debug lowers the level to slog.LevelDebug.
	Debug bool

	// Format is FormatText (default) or FormatJSON.
	Format string

	// SetDefault installs the logger with slog.SetDefault.
	SetDefault bool
}

// New builds a slog.Logger writing to w. A nil w writes to stderr.
func New(w io.Writer, opts Options) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}

	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch opts.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	logger := slog.New(handler)
	if opts.SetDefault {
		slog.SetDefault(logger)
	}
	return logger
}
