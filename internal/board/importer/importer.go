// Package importer loads tasks from foreign or legacy files into the board.
//
// Three layouts are accepted: a JSON array of tasks, a tasks.json style
// envelope ({"tasks": [...]}) and JSON Lines with one task per line.
// Records are normalized leniently, so a file written by an older client or
// edited by hand imports whatever can be repaired and reports the rest.
package importer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/board/validate"
)

// Format identifies the layout of an import file.
type Format string

const (
	FormatArray    Format = "array"
	FormatEnvelope Format = "envelope"
	FormatJSONL    Format = "jsonl"
)

// ErrEmpty is returned for files with no JSON content.
var ErrEmpty = errors.New("import file is empty")

// Options configures an import.
type Options struct {
	// Path of the file to import
	Path string

	// Merge keeps existing tasks; imported tasks replace ones with the same
	// id and the rest are appended. Without Merge the board is replaced.
	Merge bool

	// DryRun parses and reports without writing
	DryRun bool

	// Backup copies tasks.json aside before writing
	Backup bool

	// Retries bounds how often a write is retried after losing a race
	// with another writer (default 3)
	Retries uint64

	// Now stamps repaired timestamps (default time.Now)
	Now func() time.Time
}

// Result contains statistics about the import.
type Result struct {
	Format        Format
	Imported      int
	Replaced      int
	Dropped       []validate.Dropped
	Total         int
	UpdatedAt     string
	BackupCreated string
}

// Parse decodes data in any supported layout and normalizes each record.
func Parse(data []byte, now time.Time) ([]schema.Task, Format, []validate.Dropped, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var values []any
	for {
		var v any
		if err := dec.Decode(&v); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, "", nil, fmt.Errorf("invalid JSON at record %d: %w", len(values)+1, err)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, "", nil, ErrEmpty
	}

	var items []any
	format := FormatJSONL
	if len(values) == 1 {
		switch v := values[0].(type) {
		case []any:
			items, format = v, FormatArray
		case map[string]any:
			if tasks, ok := v["tasks"].([]any); ok {
				items, format = tasks, FormatEnvelope
			}
		}
	}
	if items == nil {
		items = values
	}

	file, dropped := validate.File(map[string]any{"tasks": items}, now)
	return file.Tasks, format, dropped, nil
}

// ParseFile reads and parses the file at path.
func ParseFile(path string, now time.Time) ([]schema.Task, Format, []validate.Dropped, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to read import file: %w", err)
	}
	return Parse(data, now)
}

// Import parses opts.Path and writes the result through ctl using the
// board's current version token, retrying when another writer wins.
func Import(ctx context.Context, ctl *syncctl.Controller, opts Options) (*Result, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retries == 0 {
		opts.Retries = 3
	}

	tasks, format, dropped, err := ParseFile(opts.Path, opts.Now())
	if err != nil {
		return nil, err
	}
	result := &Result{Format: format, Imported: len(tasks), Dropped: dropped}

	if opts.Backup && !opts.DryRun {
		backup, err := backupFile(ctl.Store().Path(), opts.Now())
		if err != nil {
			return nil, err
		}
		result.BackupCreated = backup
	}

	op := func() error {
		current := ctl.Get(ctx)
		next := tasks
		result.Replaced = 0
		if opts.Merge {
			next, result.Replaced = merge(current.Tasks, tasks)
		}
		result.Total = len(next)
		if opts.DryRun {
			result.UpdatedAt = current.UpdatedAt
			return nil
		}

		res, err := ctl.Swap(ctx, current.UpdatedAt, next)
		if err != nil {
			if errors.Is(err, syncctl.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		result.UpdatedAt = res.UpdatedAt
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), opts.Retries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("failed to import tasks: %w", err)
	}
	return result, nil
}

// merge overlays imported onto existing by id, preserving existing order.
func merge(existing, imported []schema.Task) ([]schema.Task, int) {
	byID := make(map[string]schema.Task, len(imported))
	for _, t := range imported {
		byID[t.ID] = t
	}

	out := make([]schema.Task, 0, len(existing)+len(imported))
	used := make(map[string]bool, len(imported))
	replaced := 0
	for _, t := range existing {
		if next, ok := byID[t.ID]; ok {
			out = append(out, next)
			used[t.ID] = true
			replaced++
			continue
		}
		out = append(out, t)
	}
	for _, t := range imported {
		if !used[t.ID] {
			out = append(out, t)
		}
	}
	return out, replaced
}

// backupFile copies path next to itself. A missing file needs no backup.
func backupFile(path string, now time.Time) (string, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read tasks for backup: %w", err)
	}
	backupPath := path + ".backup." + now.Format("20060102-150405")
	if err := os.WriteFile(backupPath, input, 0600); err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	return backupPath, nil
}
