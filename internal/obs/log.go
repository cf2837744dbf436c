package obs

import (
	"io"
	"log/slog"
)

// NewLogger builds the process logger and installs it as the slog default.
// JSON output is used in production; text output reads better on a terminal.
func NewLogger(w io.Writer, debug, jsonOutput bool) *slog.Logger {
	level := slog.LevelInfo
	addSource := false
	if debug {
		level = slog.LevelDebug
		addSource = true
	}
	opts := &slog.HandlerOptions{AddSource: addSource, Level: level}

	var h slog.Handler
	if jsonOutput {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}
