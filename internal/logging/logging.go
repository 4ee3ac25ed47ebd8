// Package logging constructs the component loggers used across
// ledgersync: stderr for interactive visibility, plus an optional
// size-rotated log file for the long-running daemon.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer returns the shared log destination. With an empty path it is
// stderr only; otherwise stderr teed into a rotated file.
func Writer(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	})
}

// Component creates a logger with the conventional "[name] " prefix
// writing to out.
func Component(out io.Writer, name string) *log.Logger {
	return log.New(out, "["+name+"] ", log.LstdFlags)
}
