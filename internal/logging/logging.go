// Package logging bootstraps the orchestrator's two log streams: operational
// structured logging via log/slog, and a durable, rotated audit trail via
// zap backed by lumberjack, independent of the operational stream.
package logging

import (
	"log/slog"
	"os"
)

// NewOperational returns the process's primary slog logger, which always
// writes JSON to stdout; debug only lowers the level from Info to Debug.
func NewOperational(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
