package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/European-XFEL/Karabo-sub011/runtime"
)

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	return runtime.NewLogger(w, level, format,
		"service", appName,
		"version", Version,
		"pid", os.Getpid(),
	)
}
