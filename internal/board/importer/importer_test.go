package importer

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/board/validate"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newController(t *testing.T) *syncctl.Controller {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	st, err := store.NewWithConfig(filepath.Join(t.TempDir(), "tasks.json"), &store.Config{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	ctl, err := syncctl.New(st, &syncctl.Config{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	return ctl
}

func writeImport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func TestParse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantFormat  Format
		wantIDs     []string
		wantDropped int
	}{
		{
			name:       "array",
			input:      `[{"id":"a","title":"A","status":"inbox","pipeline":"general"}]`,
			wantFormat: FormatArray,
			wantIDs:    []string{"a"},
		},
		{
			name:       "envelope",
			input:      `{"version":1,"tasks":[{"id":"a","title":"A","status":"done","pipeline":"email"},{"id":"b","title":"B","status":"inbox","pipeline":"content"}],"updatedAt":"2025-01-01T00:00:00.000Z"}`,
			wantFormat: FormatEnvelope,
			wantIDs:    []string{"a", "b"},
		},
		{
			name: "jsonl",
			input: `{"id":"a","title":"A","status":"inbox","pipeline":"general"}
{"id":"b","title":"B","status":"review","pipeline":"advisory"}
`,
			wantFormat: FormatJSONL,
			wantIDs:    []string{"a", "b"},
		},
		{
			name:       "single jsonl record",
			input:      `{"id":"a","title":"A","status":"inbox","pipeline":"general"}`,
			wantFormat: FormatJSONL,
			wantIDs:    []string{"a"},
		},
		{
			name: "bad records dropped",
			input: `[{"id":"a","title":"A","status":"inbox","pipeline":"general"},
				{"id":"b","status":"inbox","pipeline":"general"},
				{"id":"c","title":"C","status":"blocked","pipeline":"general"},
				{"id":"a","title":"dup","status":"inbox","pipeline":"general"},
				"not an object"]`,
			wantFormat:  FormatArray,
			wantIDs:     []string{"a"},
			wantDropped: 4,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, format, dropped, err := Parse([]byte(tt.input), fixedNow)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if format != tt.wantFormat {
				t.Errorf("format = %s, want %s", format, tt.wantFormat)
			}
			if len(dropped) != tt.wantDropped {
				t.Errorf("dropped = %v, want %d", dropped, tt.wantDropped)
			}
			if len(tasks) != len(tt.wantIDs) {
				t.Fatalf("tasks = %+v, want ids %v", tasks, tt.wantIDs)
			}
			for i, id := range tt.wantIDs {
				if tasks[i].ID != id {
					t.Errorf("task %d id = %s, want %s", i, tasks[i].ID, id)
				}
			}
		})
	}
}

func TestParse_RepairsDefaults(t *testing.T) {
	tasks, _, _, err := Parse([]byte(`[{"id":"a","title":"A","status":"inbox","pipeline":"general","tags":["x",3]}]`), fixedNow)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Parse = %v, %v", tasks, err)
	}
	got := tasks[0]
	if got.CreatedBy != validate.UnknownAuthor {
		t.Errorf("createdBy = %q", got.CreatedBy)
	}
	if got.CreatedAt != schema.FormatTimestamp(fixedNow) {
		t.Errorf("createdAt = %q", got.CreatedAt)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "x" {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestParse_Errors(t *testing.T) {
	if _, _, _, err := Parse([]byte("  \n"), fixedNow); !errors.Is(err, ErrEmpty) {
		t.Errorf("empty input: %v", err)
	}
	if _, _, _, err := Parse([]byte(`{"id":"a"`), fixedNow); err == nil {
		t.Error("expected error for truncated JSON")
	}
}

func TestImport_Replace(t *testing.T) {
	ctl := newController(t)
	ctx := context.Background()
	if _, err := ctl.Swap(ctx, schema.SentinelUpdatedAt, []schema.Task{{
		ID: "old", Title: "Old", Status: schema.StatusInbox, Pipeline: schema.PipelineGeneral,
		CreatedBy: "human", CreatedAt: "2025-01-01T00:00:00.000Z", UpdatedAt: "2025-01-01T00:00:00.000Z",
	}}); err != nil {
		t.Fatal(err)
	}

	path := writeImport(t, `{"id":"a","title":"A","status":"inbox","pipeline":"general"}
{"id":"b","title":"B","status":"done","pipeline":"content"}
{"title":"no id"}
`)
	res, err := Import(ctx, ctl, Options{Path: path, Backup: true, Now: func() time.Time { return fixedNow }})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Format != FormatJSONL || res.Imported != 2 || len(res.Dropped) != 1 || res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.BackupCreated == "" {
		t.Error("expected a backup of the existing board")
	} else if _, err := os.Stat(res.BackupCreated); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	board := ctl.Get(ctx)
	if len(board.Tasks) != 2 || board.Tasks[0].ID != "a" || board.UpdatedAt != res.UpdatedAt {
		t.Errorf("board = %+v", board)
	}
}

func TestImport_Merge(t *testing.T) {
	ctl := newController(t)
	ctx := context.Background()
	ts := "2025-01-01T00:00:00.000Z"
	existing := []schema.Task{
		{ID: "a", Title: "A", Status: schema.StatusInbox, Pipeline: schema.PipelineGeneral, CreatedBy: "human", CreatedAt: ts, UpdatedAt: ts},
		{ID: "b", Title: "B", Status: schema.StatusInbox, Pipeline: schema.PipelineGeneral, CreatedBy: "human", CreatedAt: ts, UpdatedAt: ts},
	}
	if _, err := ctl.Swap(ctx, schema.SentinelUpdatedAt, existing); err != nil {
		t.Fatal(err)
	}

	path := writeImport(t, `[{"id":"b","title":"B2","status":"done","pipeline":"general"},{"id":"c","title":"C","status":"inbox","pipeline":"email"}]`)
	res, err := Import(ctx, ctl, Options{Path: path, Merge: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Replaced != 1 || res.Total != 3 {
		t.Errorf("result = %+v", res)
	}

	board := ctl.Get(ctx)
	if len(board.Tasks) != 3 {
		t.Fatalf("board = %+v", board.Tasks)
	}
	if board.Tasks[0].ID != "a" || board.Tasks[1].Title != "B2" || board.Tasks[2].ID != "c" {
		t.Errorf("merged order = %+v", board.Tasks)
	}
}

func TestImport_DryRun(t *testing.T) {
	ctl := newController(t)
	ctx := context.Background()

	path := writeImport(t, `[{"id":"a","title":"A","status":"inbox","pipeline":"general"}]`)
	res, err := Import(ctx, ctl, Options{Path: path, DryRun: true, Backup: true})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Imported != 1 || res.UpdatedAt != schema.SentinelUpdatedAt || res.BackupCreated != "" {
		t.Errorf("result = %+v", res)
	}
	if n := len(ctl.Get(ctx).Tasks); n != 0 {
		t.Errorf("dry run wrote %d tasks", n)
	}
}

func TestImport_MissingFile(t *testing.T) {
	ctl := newController(t)
	if _, err := Import(context.Background(), ctl, Options{Path: filepath.Join(t.TempDir(), "nope.json")}); err == nil {
		t.Error("expected error for missing file")
	}
}
