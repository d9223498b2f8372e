package logger

import (
	"log/slog"
	"os"
)

// SetupLogger configures structured logging for the foreground CLI process.
// verbosity counts repeated -v flags: 0 is Info, 1+ is Debug.
func SetupLogger(verbosity int) *slog.Logger {
	level := slog.LevelInfo
	if verbosity > 0 {
		level = slog.LevelDebug
	}

	//nolint:exhaustruct // defaults are fine for the other HandlerOptions fields
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
