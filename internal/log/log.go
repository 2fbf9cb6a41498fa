// Package log builds the service loggers. Components never reach for a
// global: each constructor takes a log.Logger and derives its own scope
// with logger.With("component", ...).
package log

import (
	"io"
	"log/slog"
	"os"
)

// Logger aliases *slog.Logger so components depend on the standard
// library type directly instead of a local interface.
type Logger = *slog.Logger

// Config controls handler selection and verbosity.
type Config struct {
	Level     slog.Level // minimum level, defaults to Info
	JSON      bool       // JSON handler instead of text
	AddSource bool       // annotate records with file:line
}

// New returns a logger writing to stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter returns a logger writing to w. Tests pass a bytes.Buffer
// here to assert on output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewNop returns a logger that discards everything. Test-only; production
// callers configure New with a real level.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
