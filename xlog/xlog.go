// Package xlog is a thin log/slog wrapper giving the engine and gpu
// packages a Trace level below slog's own Debug, following the shape of
// the teacher's logutil.Trace(msg, args...) call sites seen throughout
// runner/ollamarunner (that package's source itself was not present in
// the retrieved pack, only its call sites, so this reimplements the
// pattern rather than copying it).
package xlog

import (
	"context"
	"log/slog"
	"os"
)

// LevelTrace sits one notch below slog.LevelDebug so it can be enabled
// independently of ordinary debug logging.
const LevelTrace = slog.Level(-8)

var logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetLogger replaces the package-level logger, e.g. to raise the level
// or switch handlers in a host application.
func SetLogger(l *slog.Logger) {
	logger = l
}

func Trace(msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	logger.Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	logger.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	logger.Error(msg, args...)
}

func Info(msg string, args ...any) {
	logger.Info(msg, args...)
}
