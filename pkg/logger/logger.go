package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options задает вывод логгера. Пустой File означает stdout.
type Options struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// New returns JSON logger with level taken from LOG_LEVEL (default info).
func New() *slog.Logger {
	lg, _ := Build(Options{Level: os.Getenv("LOG_LEVEL")})
	return lg
}

// Build собирает логгер; closer закрывает файл ротации и может быть nil.
func Build(opts Options) (*slog.Logger, io.Closer) {
	level := slog.LevelInfo
	if opts.Level != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(opts.Level)); err == nil {
			level = parsed
		}
	}

	var (
		w      io.Writer = os.Stdout
		closer io.Closer
	)
	if opts.File != "" {
		rot := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    max(opts.MaxSizeMB, 1),
			MaxBackups: max(opts.MaxBackups, 1),
			MaxAge:     max(opts.MaxAgeDays, 1),
			Compress:   opts.Compress,
		}
		w, closer = rot, rot
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		h = slog.NewTextHandler(w, hopts)
	} else {
		h = slog.NewJSONHandler(w, hopts)
	}
	return slog.New(h), closer
}
