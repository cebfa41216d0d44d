// Package store persists the task board as a single JSON document.
//
// Every write replaces the whole document through a sibling temporary file
// and an atomic rename, so a concurrent reader observes either the previous
// complete board or the new one. Reads never fail: a missing or unreadable
// file is reported to the log and returned as an empty board carrying the
// sentinel version token.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/validate"
	"github.com/openclaw/polyboard/internal/metrics"
)

// Config holds configuration for the store.
type Config struct {
	// Now supplies wall-clock time for version tokens. Defaults to time.Now.
	Now func() time.Time

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for read failures and dropped records
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Now:    time.Now,
		Logger: log.New(os.Stderr, "[store] ", log.LstdFlags),
	}
}

// Store reads and writes the board document at a fixed path.
type Store struct {
	path   string
	config *Config

	mu   sync.Mutex
	last time.Time // newest token issued or observed
}

// New creates a store for the document at path.
func New(path string) (*Store, error) {
	return NewWithConfig(path, DefaultConfig())
}

// NewWithConfig creates a store with custom configuration.
func NewWithConfig(path string, config *Config) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{path: path, config: config}, nil
}

// Path returns the location of the backing document.
func (s *Store) Path() string {
	return s.path
}

// Read returns the current board.
//
// Records that fail lenient validation are dropped and logged. If the file
// does not exist or cannot be parsed, an empty board with the sentinel
// version token is returned.
func (s *Store) Read() schema.TasksFile {
	file, err := s.load()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.config.Logger.Printf("Warning: %v; serving an empty board", err)
			s.config.Metrics.ObserveReadFailure()
		}
		return schema.Empty()
	}
	s.observe(file.UpdatedAt)
	return file
}

func (s *Store) load() (schema.TasksFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return schema.TasksFile{}, err
		}
		return schema.TasksFile{}, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	file, dropped, err := validate.DecodeFile(data, s.config.Now())
	if err != nil {
		return schema.TasksFile{}, fmt.Errorf("failed to load %s: %w", s.path, err)
	}
	for _, d := range dropped {
		s.config.Logger.Printf("Warning: dropped task at index %d: %v", d.Index, d.Err)
	}
	return file, nil
}

// Write replaces the board with tasks and returns the written envelope.
//
// The returned UpdatedAt is the new version token. It is strictly greater
// than every token this store has issued or read before. Directory creation,
// write and rename failures are returned to the caller.
func (s *Store) Write(tasks []schema.Task) (schema.TasksFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := schema.TasksFile{
		Version:   schema.CurrentVersion,
		Tasks:     schema.CloneTasks(tasks),
		UpdatedAt: schema.FormatTimestamp(s.nextTokenLocked()),
	}

	err := s.writeLocked(out)
	s.config.Metrics.ObserveWrite(err, len(out.Tasks))
	if err != nil {
		return schema.TasksFile{}, err
	}
	return out, nil
}

func (s *Store) writeLocked(file schema.TasksFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal tasks: %w", err)
	}

	// A unique temp name keeps two processes from clobbering each other's
	// partial writes; only the rename is visible to readers.
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// CreateTemp uses 0600; other tools read tasks.json too.
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// nextTokenLocked returns the wall clock truncated to milliseconds, bumped
// past the last token when the clock has not advanced or went backwards.
func (s *Store) nextTokenLocked() time.Time {
	now := s.config.Now().UTC().Truncate(time.Millisecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now
}

func (s *Store) observe(token string) {
	ts, err := schema.ParseTimestamp(token)
	if err != nil {
		return
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	if ts.After(s.last) {
		s.last = ts
	}
	s.mu.Unlock()
}
