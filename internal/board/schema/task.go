// Package schema provides data structures for the mission-control task board.
package schema

import (
	"fmt"
	"time"
)

// Status is the board column a task is placed in.
type Status string

const (
	StatusInbox  Status = "inbox"
	StatusActive Status = "active"
	StatusReview Status = "review"
	StatusDone   Status = "done"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusInbox, StatusActive, StatusReview, StatusDone}

// Valid reports whether s is a known board column.
func (s Status) Valid() bool {
	switch s {
	case StatusInbox, StatusActive, StatusReview, StatusDone:
		return true
	}
	return false
}

// Pipeline classifies the workflow track a task belongs to.
type Pipeline string

const (
	PipelineAdvisory Pipeline = "advisory"
	PipelineContent  Pipeline = "content"
	PipelineEmail    Pipeline = "email"
	PipelineGeneral  Pipeline = "general"
)

// Pipelines lists all workflow tracks.
var Pipelines = []Pipeline{PipelineAdvisory, PipelineContent, PipelineEmail, PipelineGeneral}

// Valid reports whether p is a known pipeline.
func (p Pipeline) Valid() bool {
	switch p {
	case PipelineAdvisory, PipelineContent, PipelineEmail, PipelineGeneral:
		return true
	}
	return false
}

// Priority is an optional urgency marker. The zero value means unset.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists the priority levels from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Note is an append-only comment attached to a task.
type Note struct {
	ID        string `json:"id" yaml:"id" toml:"id"`
	AuthorID  string `json:"authorId" yaml:"authorId" toml:"authorId"`
	Content   string `json:"content" yaml:"content" toml:"content"`
	CreatedAt string `json:"createdAt" yaml:"createdAt" toml:"createdAt"`
}

// Task is a unit of work on the board.
//
// Timestamps are kept as the ISO-8601 strings clients sent; the store never
// reinterprets them, only the envelope's UpdatedAt is authoritative.
type Task struct {
	ID          string   `json:"id" yaml:"id" toml:"id"`
	Title       string   `json:"title" yaml:"title" toml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Status      Status   `json:"status" yaml:"status" toml:"status"`
	AssignedTo  string   `json:"assignedTo,omitempty" yaml:"assignedTo,omitempty" toml:"assignedTo,omitempty"`
	CreatedBy   string   `json:"createdBy" yaml:"createdBy" toml:"createdBy"`
	Pipeline    Pipeline `json:"pipeline" yaml:"pipeline" toml:"pipeline"`
	Priority    Priority `json:"priority,omitempty" yaml:"priority,omitempty" toml:"priority,omitempty"`
	Tags        []string `json:"tags" yaml:"tags" toml:"tags"`
	Notes       []Note   `json:"notes" yaml:"notes" toml:"notes"`
	CreatedAt   string   `json:"createdAt" yaml:"createdAt" toml:"createdAt"`
	UpdatedAt   string   `json:"updatedAt" yaml:"updatedAt" toml:"updatedAt"`
}

// Validate checks that the task carries every field a persisted task must have.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !t.Status.Valid() {
		return fmt.Errorf("status %q is not one of inbox, active, review, done", t.Status)
	}
	if !t.Pipeline.Valid() {
		return fmt.Errorf("pipeline %q is not one of advisory, content, email, general", t.Pipeline)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("priority %q is not one of low, medium, high, urgent", t.Priority)
	}
	if t.CreatedBy == "" {
		return fmt.Errorf("createdBy is required")
	}
	if t.CreatedAt == "" {
		return fmt.Errorf("createdAt is required")
	}
	if t.UpdatedAt == "" {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// Clone returns a deep copy so callers can mutate tags and notes freely.
func (t Task) Clone() Task {
	c := t
	c.Tags = append([]string(nil), t.Tags...)
	c.Notes = append([]Note(nil), t.Notes...)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.Notes == nil {
		c.Notes = []Note{}
	}
	return c
}

// SetDefaults fills the collections so the JSON encoding never emits null.
func (t *Task) SetDefaults() {
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.Notes == nil {
		t.Notes = []Note{}
	}
}

// Touch stamps UpdatedAt with the given wall-clock time.
func (t *Task) Touch(now time.Time) {
	t.UpdatedAt = FormatTimestamp(now)
}

// CloneTasks deep-copies a task list.
func CloneTasks(tasks []Task) []Task {
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
