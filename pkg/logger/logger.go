package logger

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// New builds the process-wide structured logger. Local and dev run at
// debug so queue polling and webhook folds are visible; everything else
// logs info and up. Output is JSON lines in every environment so log
// shipping never depends on APP_ENV.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	switch appEnv {
	case "local", "dev":
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// ShutdownFlush is the drain hook called on graceful shutdown. The JSON
// handler writes through, so today it only exists as a seam for a
// buffered handler.
func ShutdownFlush(_ context.Context, _ time.Duration) error { return nil }
