// Package logging builds the component loggers used across calsync.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process log output.
type Options struct {
	// File, when set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet drops the stderr copy.
	Quiet bool

	// Stderr overrides os.Stderr (tests).
	Stderr io.Writer
}

// Sink is the shared writer behind every component logger.
type Sink struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Open creates the sink described by opts.
func Open(opts Options) (*Sink, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var writers []io.Writer
	if !opts.Quiet {
		writers = append(writers, stderr)
	}

	s := &Sink{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		s.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		writers = append(writers, s.file)
	}

	switch len(writers) {
	case 0:
		s.w = io.Discard
	case 1:
		s.w = writers[0]
	default:
		s.w = io.MultiWriter(writers...)
	}
	return s, nil
}

// Logger returns a logger for component, prefixed like "[engine] ".
func (s *Sink) Logger(component string) *log.Logger {
	prefix := ""
	if component = strings.TrimSpace(component); component != "" {
		prefix = "[" + component + "] "
	}
	return log.New(s.w, prefix, log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Rotate starts a new log file. It is a no-op without a file.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
