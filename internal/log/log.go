// Package log provides the logging infrastructure shared by all porter
// components.
//
// Loggers are injected, never global: each component receives a log.Logger
// through its Config and may add context with logger.With(). The alias keeps
// full compatibility with the log/slog ecosystem without a custom interface.
//
// Usage:
//
//	logger := log.New(log.Config{Level: "debug"})
//	store, err := conversation.NewStore(conversation.StoreConfig{
//	    Pool:   pool,
//	    Logger: logger.With("component", "conversation"),
//	})
//
//	// In tests use the nop logger, or capture output to a buffer:
//	testLogger := log.NewNop()
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a type alias for *slog.Logger. Components accept log.Logger as a
// dependency and must tolerate nil by substituting NewNop().
type Logger = *slog.Logger

// Config defines logger construction options.
type Config struct {
	// Level is the minimum level as a string: "debug", "info", "warn",
	// "error". Unknown values fall back to "info".
	Level string

	// JSON switches output to JSON format. Default is human-readable text.
	JSON bool

	// AddSource annotates entries with the calling source location.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w. Used directly by tests that
// inspect log output.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards all output. Test use only; production
// code always constructs via New or NewWithWriter.
func NewNop() Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to its slog level. Case-insensitive; unknown
// names map to slog.LevelInfo.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Or returns logger when non-nil and the nop logger otherwise. Constructors
// use it so a zero Config still yields a usable component.
func Or(logger Logger) Logger {
	if logger == nil {
		return NewNop()
	}
	return logger
}
