package main

import (
	"io"
	"log/slog"
	"time"

	"github.com/charmbracelet/log"
)

// setupLogging routes slog through a charmbracelet logger on w. Unknown
// levels fall back to info.
func setupLogging(w io.Writer, level string) *log.Logger {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "chatter",
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	slog.SetDefault(slog.New(logger))
	if err != nil && level != "" {
		logger.Warn("unknown log level, using info", "level", level)
	}
	return logger
}
