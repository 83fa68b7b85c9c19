package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// SetupLogger builds the text logger for level. With a non-empty dir the
// log is also written to eml2mbox-<timestamp>.log inside dir; cleanup closes
// that file.
func SetupLogger(level, dir string) (*slog.Logger, func() error, error) {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)

	switch level {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "info":
		lv.Set(slog.LevelInfo)
	case "warn":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: lv}
	cleanup := func() error { return nil }

	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(dir, fmt.Sprintf("eml2mbox-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
