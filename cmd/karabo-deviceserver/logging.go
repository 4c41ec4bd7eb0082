package main

import (
	"log/slog"
	"os"

	"github.com/European-XFEL/Karabo-sub011/runtime"
)

func setupLogger(level, format, serverID string) *slog.Logger {
	return runtime.NewLogger(os.Stdout, level, format,
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
		"server_id", serverID,
	)
}
