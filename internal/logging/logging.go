// Package logging builds the process *log.Logger on top of a size rotated file
package logging

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lowaak/smart-trainer/heart-beat/internal/config"
)

// Logger is the process logger plus the file behind it
type Logger struct {
	*log.Logger
	file *lumberjack.Logger
}

// New opens the rotating log file described by cfg. With cfg.Stdout the
// output is also written to stderr; pass tee=false when a terminal UI owns
// the screen.
func New(cfg config.LogConfig, tee bool) (*Logger, error) {
	if cfg.File == "" {
		return nil, errors.New("log file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}

	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}

	var out io.Writer = file
	if cfg.Stdout && tee {
		out = io.MultiWriter(file, os.Stderr)
	}
	return &Logger{
		Logger: log.New(out, "", log.LstdFlags|log.Lmicroseconds),
		file:   file,
	}, nil
}

// Tee sends output to the log file and w, replacing any earlier tee
func (l *Logger) Tee(w io.Writer) {
	l.SetOutput(io.MultiWriter(l.file, w))
}

// Rotate starts a new log file
func (l *Logger) Rotate() error {
	return l.file.Rotate()
}

func (l *Logger) Close() error {
	return l.file.Close()
}
