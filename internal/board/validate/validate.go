// Package validate normalizes untrusted task records before they reach the
// store or a client's working copy.
//
// Two modes exist. Lenient mode is used on the read side: each record is
// repaired where possible and dropped when structurally broken, so one bad
// record never hides the rest of the board. Strict mode is used on the write
// side: every record must already be complete and any failure rejects the
// whole batch.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
)

// Mode selects how defects in a record are handled.
type Mode int

const (
	// Lenient repairs fixable fields and drops structurally broken records.
	Lenient Mode = iota
	// Strict requires every mandatory field to be present already.
	Strict
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return "unknown"
	}
}

// UnknownAuthor is substituted for a missing createdBy in lenient mode.
const UnknownAuthor = "unknown"

// ErrNotArray is returned when a batch is not a JSON array.
var ErrNotArray = errors.New("tasks must be an array")

// BatchError identifies the first record that made a strict batch invalid.
type BatchError struct {
	Index int
	ID    string
	Err   error
}

func (e *BatchError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("task %d (%s): %v", e.Index, e.ID, e.Err)
	}
	return fmt.Sprintf("task %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Dropped describes a record removed during lenient normalization.
type Dropped struct {
	Index int
	Err   error
}

// Task normalizes a single decoded JSON record.
//
// Tags that are not strings are filtered out and malformed notes are
// dropped in both modes. now is used for missing timestamps in lenient mode.
func Task(raw any, mode Mode, now time.Time) (schema.Task, error) {
	rec, ok := raw.(map[string]any)
	if !ok || rec == nil {
		return schema.Task{}, fmt.Errorf("task must be an object")
	}

	id, _ := nonEmptyString(rec["id"])
	if id == "" {
		return schema.Task{}, fmt.Errorf("id is required")
	}
	title, _ := nonEmptyString(rec["title"])
	if title == "" {
		return schema.Task{}, fmt.Errorf("title is required")
	}

	status, _ := rec["status"].(string)
	if !schema.Status(status).Valid() {
		return schema.Task{}, fmt.Errorf("status %q is not one of inbox, active, review, done", status)
	}
	pipeline, _ := rec["pipeline"].(string)
	if !schema.Pipeline(pipeline).Valid() {
		return schema.Task{}, fmt.Errorf("pipeline %q is not one of advisory, content, email, general", pipeline)
	}

	var priority schema.Priority
	if p, present := nonEmptyString(rec["priority"]); present {
		if !schema.Priority(p).Valid() {
			return schema.Task{}, fmt.Errorf("priority %q is not one of low, medium, high, urgent", p)
		}
		priority = schema.Priority(p)
	} else if rec["priority"] != nil {
		return schema.Task{}, fmt.Errorf("priority must be a string")
	}

	stamp := schema.FormatTimestamp(now)
	createdBy, err := required(rec, "createdBy", mode, UnknownAuthor)
	if err != nil {
		return schema.Task{}, err
	}
	createdAt, err := required(rec, "createdAt", mode, stamp)
	if err != nil {
		return schema.Task{}, err
	}
	updatedAt, err := required(rec, "updatedAt", mode, stamp)
	if err != nil {
		return schema.Task{}, err
	}

	task := schema.Task{
		ID:          id,
		Title:       title,
		Description: trimmedOrEmpty(rec["description"]),
		Status:      schema.Status(status),
		AssignedTo:  trimmedOrEmpty(rec["assignedTo"]),
		CreatedBy:   createdBy,
		Pipeline:    schema.Pipeline(pipeline),
		Priority:    priority,
		Tags:        tags(rec["tags"]),
		Notes:       notes(rec["notes"]),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	return task, nil
}

// Batch validates a client-submitted write in strict mode.
//
// The batch is accepted only if every record passes and ids are unique;
// otherwise a *BatchError describes the first failure and no tasks are
// returned.
func Batch(raw any) ([]schema.Task, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, ErrNotArray
	}

	tasks := make([]schema.Task, 0, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		task, err := Task(item, Strict, time.Time{})
		if err != nil {
			return nil, &BatchError{Index: i, ID: idOf(item), Err: err}
		}
		if seen[task.ID] {
			return nil, &BatchError{Index: i, ID: task.ID, Err: fmt.Errorf("duplicate id")}
		}
		seen[task.ID] = true
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// DecodeBatch decodes a JSON array of tasks and validates it strictly.
func DecodeBatch(data []byte) ([]schema.Task, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse tasks: %w", err)
	}
	return Batch(raw)
}

// File normalizes a decoded TasksFile envelope in lenient mode.
//
// Records that cannot be repaired are dropped and reported; later records
// that repeat an earlier id are dropped as well. A missing or malformed
// updatedAt falls back to the sentinel so that a foreign file still yields
// a stable version token.
func File(raw any, now time.Time) (schema.TasksFile, []Dropped) {
	out := schema.Empty()

	env, ok := raw.(map[string]any)
	if !ok || env == nil {
		return out, nil
	}

	if v, ok := env["version"].(float64); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		out.Version = int(v)
	}
	if ts, ok := nonEmptyString(env["updatedAt"]); ok {
		out.UpdatedAt = ts
	}

	items, _ := env["tasks"].([]any)
	var dropped []Dropped
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		task, err := Task(item, Lenient, now)
		if err != nil {
			dropped = append(dropped, Dropped{Index: i, Err: err})
			continue
		}
		if seen[task.ID] {
			dropped = append(dropped, Dropped{Index: i, Err: fmt.Errorf("duplicate id %s", task.ID)})
			continue
		}
		seen[task.ID] = true
		out.Tasks = append(out.Tasks, task)
	}
	return out, dropped
}

// DecodeFile parses raw bytes and normalizes them with File.
func DecodeFile(data []byte, now time.Time) (schema.TasksFile, []Dropped, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return schema.Empty(), nil, fmt.Errorf("failed to parse tasks file: %w", err)
	}
	file, dropped := File(raw, now)
	return file, dropped, nil
}

// ToAny converts typed tasks back into the generic form accepted by Batch.
// Callers holding typed tasks use it to run strict validation on them.
func ToAny(tasks []schema.Task) (any, error) {
	if tasks == nil {
		tasks = []schema.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tasks: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return raw, nil
}

func required(rec map[string]any, key string, mode Mode, fallback string) (string, error) {
	if s, ok := nonEmptyString(rec[key]); ok {
		return s, nil
	}
	if mode == Strict {
		return "", fmt.Errorf("%s is required", key)
	}
	return fallback, nil
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func trimmedOrEmpty(v any) string {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return ""
	}
	return s
}

func tags(v any) []string {
	items, _ := v.([]any)
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func notes(v any) []schema.Note {
	items, _ := v.([]any)
	out := make([]schema.Note, 0, len(items))
	for _, item := range items {
		rec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		id, ok1 := rec["id"].(string)
		author, ok2 := rec["authorId"].(string)
		content, ok3 := rec["content"].(string)
		createdAt, ok4 := rec["createdAt"].(string)
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		out = append(out, schema.Note{ID: id, AuthorID: author, Content: content, CreatedAt: createdAt})
	}
	return out
}

func idOf(item any) string {
	if rec, ok := item.(map[string]any); ok {
		if id, ok := rec["id"].(string); ok {
			return id
		}
	}
	return ""
}
