package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logFileMaxSizeMB is the size at which the log file is rotated.
	logFileMaxSizeMB = 10

	// logFileMaxBackups is the number of rotated log files kept.
	logFileMaxBackups = 5

	// logFileMaxAgeDays is how long rotated log files are kept.
	logFileMaxAgeDays = 28
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

// NewFileLogger is NewLogger writing to a size-rotated file instead of
// stdout. An empty path falls back to stdout.
func NewFileLogger(env, path string) *slog.Logger {
	if path == "" {
		return NewLogger(env)
	}

	return newLogger(env, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		MaxAge:     logFileMaxAgeDays,
		Compress:   true,
	})
}

func newLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
