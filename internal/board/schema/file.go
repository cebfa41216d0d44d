package schema

import (
	"fmt"
	"time"
)

// CurrentVersion is the envelope schema version written by this build.
// It is reserved for migrations and not otherwise interpreted.
const CurrentVersion = 1

// timestampLayout matches JavaScript's Date.prototype.toISOString so tokens
// written by the server compare byte-for-byte with tokens echoed by browsers.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// SentinelUpdatedAt is the version token of a board that has never been
// written. It is older than any real write, so a client holding it can
// perform the first write without a separate create path.
const SentinelUpdatedAt = "1970-01-01T00:00:00.000Z"

// TasksFile is the persisted envelope of the whole board.
type TasksFile struct {
	Version int    `json:"version" yaml:"version" toml:"version"`
	Tasks   []Task `json:"tasks" yaml:"tasks" toml:"tasks"`

	// UpdatedAt is the optimistic concurrency token, assigned by the store
	// on every successful write.
	UpdatedAt string `json:"updatedAt" yaml:"updatedAt" toml:"updatedAt"`
}

// Empty returns the envelope of a board that has never been written.
func Empty() TasksFile {
	return TasksFile{
		Version:   CurrentVersion,
		Tasks:     []Task{},
		UpdatedAt: SentinelUpdatedAt,
	}
}

// Find returns the task with the given id.
func (f *TasksFile) Find(id string) (Task, bool) {
	for _, t := range f.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// FormatTimestamp renders t as a millisecond-precision UTC ISO-8601 string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp parses any RFC 3339 timestamp, including the token format.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
