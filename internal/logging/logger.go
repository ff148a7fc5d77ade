// Package logging wraps slog with the agent's text/JSON handler selection
// and a convention for per-component child loggers (session, eventchannel,
// command, update, ...), so every subsystem logs through the same sink with
// a consistent "component" field.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	return NewWithWriter(os.Stdout, jsonMode)
}

// NewWithWriter is New with an explicit sink in place of stdout. The
// updater companion does not use it: it opens its per-run log file and
// builds its own slog text handler on it.
func NewWithWriter(w io.Writer, jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// With returns a child Logger tagged with a "component" field, the
// convention every subsystem in this agent uses to scope its log lines.
func (l *Logger) With(component string) *Logger {
	return &Logger{l.Logger.With("component", component)}
}
