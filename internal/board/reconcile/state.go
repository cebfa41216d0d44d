// Package reconcile keeps a client-side working copy of the board in step
// with the server.
//
// Local edits apply immediately and are persisted by a debounced
// compare-and-swap save. When the server reports a conflict, the local copy
// is replaced by the server's board.
package reconcile

import (
	"errors"
	"fmt"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
)

// ErrUnknownTask is returned for edits of a task id not on the local board.
var ErrUnknownTask = errors.New("unknown task")

// State is the reconciler's view of the board.
//
// Every transition below is a pure function returning a new State; the
// Reconciler only sequences them and performs I/O.
type State struct {
	Tasks []schema.Task

	// VersionToken is the last updatedAt received from the server. It is
	// meaningful only when HasToken is set.
	VersionToken string
	HasToken     bool

	// SuppressNextSave marks the latest change as adopted from the server,
	// so observing it must not schedule an outbound save.
	SuppressNextSave bool
}

// Adopt replaces local tasks and token with the server's board.
func Adopt(s State, file schema.TasksFile) State {
	return State{
		Tasks:            schema.CloneTasks(file.Tasks),
		VersionToken:     file.UpdatedAt,
		HasToken:         true,
		SuppressNextSave: true,
	}
}

// AdoptToken records a server token without touching local tasks.
func AdoptToken(s State, token string) State {
	s.Tasks = schema.CloneTasks(s.Tasks)
	s.VersionToken = token
	s.HasToken = true
	return s
}

// ConsumeChange reports whether the latest change should be saved and
// clears the suppress flag.
func ConsumeChange(s State) (State, bool) {
	if s.SuppressNextSave {
		s.SuppressNextSave = false
		return s, false
	}
	return s, true
}

// Insert appends a task. A task the server would reject is refused and s
// is returned unchanged.
func Insert(s State, task schema.Task) (State, error) {
	if err := task.Validate(); err != nil {
		return s, fmt.Errorf("invalid task: %w", err)
	}
	if indexOf(s.Tasks, task.ID) >= 0 {
		return s, fmt.Errorf("invalid task: duplicate id %s", task.ID)
	}
	s.Tasks = append(schema.CloneTasks(s.Tasks), task.Clone())
	s.SuppressNextSave = false
	return s, nil
}

// Patch describes a partial update. Nil fields are left unchanged; a
// pointer to the empty string clears an optional field.
type Patch struct {
	Title       *string
	Description *string
	Status      *schema.Status
	AssignedTo  *string
	Pipeline    *schema.Pipeline
	Priority    *schema.Priority
	Tags        []string
}

// Apply updates the task with the given id and stamps its updatedAt.
// It returns ErrUnknownTask when no such task exists, and refuses a patch
// that leaves the task invalid. On error s is returned unchanged.
func Apply(s State, id string, p Patch, now time.Time) (State, error) {
	idx := indexOf(s.Tasks, id)
	if idx < 0 {
		return s, ErrUnknownTask
	}
	tasks := schema.CloneTasks(s.Tasks)
	t := &tasks[idx]
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.Pipeline != nil {
		t.Pipeline = *p.Pipeline
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Tags != nil {
		t.Tags = append([]string{}, p.Tags...)
	}
	t.Touch(now)
	if err := t.Validate(); err != nil {
		return s, fmt.Errorf("invalid update of %s: %w", id, err)
	}

	s.Tasks = tasks
	s.SuppressNextSave = false
	return s, nil
}

// Remove deletes the task with the given id.
func Remove(s State, id string) (State, bool) {
	idx := indexOf(s.Tasks, id)
	if idx < 0 {
		return s, false
	}
	tasks := make([]schema.Task, 0, len(s.Tasks)-1)
	for i, t := range s.Tasks {
		if i != idx {
			tasks = append(tasks, t.Clone())
		}
	}
	s.Tasks = tasks
	s.SuppressNextSave = false
	return s, true
}

// AppendNote adds a note to the task with the given id. Notes are never
// edited or removed once added.
func AppendNote(s State, id string, note schema.Note, now time.Time) (State, bool) {
	idx := indexOf(s.Tasks, id)
	if idx < 0 {
		return s, false
	}
	tasks := schema.CloneTasks(s.Tasks)
	tasks[idx].Notes = append(tasks[idx].Notes, note)
	tasks[idx].Touch(now)
	s.Tasks = tasks
	s.SuppressNextSave = false
	return s, true
}

// Filter narrows the visible tasks. Zero fields match everything.
type Filter struct {
	Pipeline schema.Pipeline
	AgentID  string
}

// Match reports whether t passes the filter.
func (f Filter) Match(t schema.Task) bool {
	if f.Pipeline != "" && t.Pipeline != f.Pipeline {
		return false
	}
	if f.AgentID != "" && t.AssignedTo != f.AgentID {
		return false
	}
	return true
}

func indexOf(tasks []schema.Task, id string) int {
	for i, t := range tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}
