// Package logging builds the shared log writer. Components keep their own
// *log.Logger with a bracketed prefix; this package decides where the
// bytes go.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log output.
type Config struct {
	// File, when set, receives a copy of all output with size-based rotation
	File string

	// Rotation limits for File
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Console is the primary writer (default: stderr)
	Console io.Writer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
		Console:    os.Stderr,
	}
}

var (
	mu      sync.RWMutex
	output  io.Writer = os.Stderr
	rotator *lumberjack.Logger
)

// Setup installs the shared writer and points the standard logger at it.
// The returned function closes the log file, if any.
func Setup(config *Config) func() error {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Console == nil {
		config.Console = defaults.Console
	}

	var w io.Writer = config.Console
	var lj *lumberjack.Logger
	if config.File != "" {
		lj = &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		w = io.MultiWriter(config.Console, lj)
	}

	mu.Lock()
	output = w
	rotator = lj
	mu.Unlock()
	log.SetOutput(w)

	return func() error {
		if lj == nil {
			return nil
		}
		return lj.Close()
	}
}

// Writer returns the shared writer.
func Writer() io.Writer {
	mu.RLock()
	defer mu.RUnlock()
	return output
}

// New returns a logger with the given component prefix, e.g. "[sync] ".
func New(prefix string) *log.Logger {
	return log.New(Writer(), prefix, log.LstdFlags)
}

// Rotate starts a new log file immediately. It is a no-op without a file.
func Rotate() error {
	mu.RLock()
	lj := rotator
	mu.RUnlock()
	if lj == nil {
		return nil
	}
	return lj.Rotate()
}
