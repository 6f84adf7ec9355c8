package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"loom/pkg/config"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newDaemonLogger returns a JSON logger writing to a rotating file under
// the data dir. The returned closer owns the file.
func newDaemonLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.DataDir, "loom.log"),
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	logger := slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, writer
}

// newForegroundLogger logs human-readable lines to stderr.
func newForegroundLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
