package daemon

import (
	"encoding/json"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/index"
)

// ChangeType classifies a task-level difference between two boards.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// Change is one task-level difference. Old is zero for creations and Task
// is zero for deletions.
type Change struct {
	Type ChangeType
	ID   string
	Task schema.Task
	Old  schema.Task
}

// Diff compares two boards by task id. Changes are ordered: creations and
// updates in new board order, then deletions in old board order.
func Diff(from, to schema.TasksFile) []Change {
	before := make(map[string]schema.Task, len(from.Tasks))
	for _, t := range from.Tasks {
		before[t.ID] = t
	}
	seen := make(map[string]bool, len(to.Tasks))

	var changes []Change
	for _, t := range to.Tasks {
		seen[t.ID] = true
		prev, ok := before[t.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Type: ChangeCreated, ID: t.ID, Task: t})
		case !sameTask(prev, t):
			changes = append(changes, Change{Type: ChangeUpdated, ID: t.ID, Task: t, Old: prev})
		}
	}
	for _, t := range from.Tasks {
		if !seen[t.ID] {
			changes = append(changes, Change{Type: ChangeDeleted, ID: t.ID, Old: t})
		}
	}
	return changes
}

// sameTask compares canonical encodings so nil and empty collections are
// equal.
func sameTask(a, b schema.Task) bool {
	ab, errA := json.Marshal(a.Clone())
	bb, errB := json.Marshal(b.Clone())
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

// indexBatch turns changes into an index update. Tasks whose position
// shifted are rewritten even when unchanged.
func indexBatch(from, to schema.TasksFile, changes []Change) index.Batch {
	oldPos := make(map[string]int, len(from.Tasks))
	for i, t := range from.Tasks {
		oldPos[t.ID] = i
	}
	changed := make(map[string]bool, len(changes))
	batch := index.Batch{Version: to.UpdatedAt}
	for _, c := range changes {
		if c.Type == ChangeDeleted {
			batch.Deletes = append(batch.Deletes, c.ID)
			continue
		}
		changed[c.ID] = true
	}
	for i, t := range to.Tasks {
		if pos, ok := oldPos[t.ID]; changed[t.ID] || !ok || pos != i {
			batch.Upserts = append(batch.Upserts, index.Positioned{Task: t, Position: i})
		}
	}
	return batch
}
