package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openclaw/polyboard/internal/board/client"
	"github.com/openclaw/polyboard/internal/board/schema"
)

type saveCall struct {
	tasks []schema.Task
	base  string
}

// fakeAPI is an in-memory board server.
type fakeAPI struct {
	mu      sync.Mutex
	file    schema.TasksFile
	fetches int
	saves   []saveCall
	saveErr error
	seq     int
}

func newFakeAPI(tasks ...schema.Task) *fakeAPI {
	f := schema.Empty()
	f.Tasks = tasks
	if len(tasks) > 0 {
		f.UpdatedAt = "2025-01-01T00:00:00.000Z"
	}
	return &fakeAPI{file: f}
}

func (f *fakeAPI) FetchTasks(ctx context.Context) (schema.TasksFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	out := f.file
	out.Tasks = schema.CloneTasks(f.file.Tasks)
	return out, nil
}

func (f *fakeAPI) SaveTasks(ctx context.Context, tasks []schema.Task, base string) (client.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, saveCall{tasks: schema.CloneTasks(tasks), base: base})
	if f.saveErr != nil {
		return client.SaveResult{}, f.saveErr
	}
	if base != f.file.UpdatedAt {
		return client.SaveResult{}, &client.ConflictError{Current: f.file}
	}
	f.seq++
	f.file = schema.TasksFile{
		Version:   1,
		Tasks:     schema.CloneTasks(tasks),
		UpdatedAt: fmt.Sprintf("2030-01-01T00:00:00.%03dZ", f.seq),
	}
	return client.SaveResult{Success: true, UpdatedAt: f.file.UpdatedAt}, nil
}

func (f *fakeAPI) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeAPI) lastSave() saveCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

func newTestReconciler(t *testing.T, api API) (*Reconciler, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	ids := 0
	r := New(api, &Config{
		SaveDebounce: 20 * time.Millisecond,
		Now:          func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) },
		NewID: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
		Logger: log.New(logs, "[reconcile] ", 0),
	})
	t.Cleanup(r.Close)
	return r, logs
}

// syncBuffer guards a bytes.Buffer written from timer goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustCreate(t *testing.T, r *Reconciler, title string, opts CreateOptions) schema.Task {
	t.Helper()
	task, err := r.Create(title, opts)
	if err != nil {
		t.Fatalf("Create(%q) failed: %v", title, err)
	}
	return task
}

func existingTask(id string) schema.Task {
	return schema.Task{
		ID: id, Title: "Existing " + id, Status: schema.StatusInbox, CreatedBy: "human",
		Pipeline: schema.PipelineGeneral, Tags: []string{}, Notes: []schema.Note{},
		CreatedAt: "2025-01-01T00:00:00.000Z", UpdatedAt: "2025-01-01T00:00:00.000Z",
	}
}

func TestLoad_AdoptsWithoutSaving(t *testing.T) {
	api := newFakeAPI(existingTask("a"))
	r, _ := newTestReconciler(t, api)

	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	st := r.State()
	if len(st.Tasks) != 1 || st.VersionToken != "2025-01-01T00:00:00.000Z" || !st.HasToken {
		t.Errorf("state after load = %+v", st)
	}
	if st.SuppressNextSave {
		t.Error("suppress flag should be consumed by the adoption")
	}

	time.Sleep(60 * time.Millisecond)
	if n := api.saveCount(); n != 0 {
		t.Errorf("load triggered %d saves, want 0", n)
	}
}

func TestMutations_AreCoalescedIntoOneSave(t *testing.T) {
	api := newFakeAPI()
	r, _ := newTestReconciler(t, api)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	a := mustCreate(t, r, "first", CreateOptions{})
	mustCreate(t, r, "second", CreateOptions{Pipeline: schema.PipelineEmail})
	if err := r.Move(a.ID, schema.StatusActive); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "save", func() bool { return api.saveCount() == 1 })
	time.Sleep(60 * time.Millisecond)
	if n := api.saveCount(); n != 1 {
		t.Fatalf("saves = %d, want 1", n)
	}

	call := api.lastSave()
	if call.base != schema.SentinelUpdatedAt {
		t.Errorf("base = %q, want sentinel", call.base)
	}
	if len(call.tasks) != 2 || call.tasks[0].Status != schema.StatusActive {
		t.Errorf("saved tasks = %+v", call.tasks)
	}

	st := r.State()
	if st.VersionToken != "2030-01-01T00:00:00.001Z" {
		t.Errorf("token after save = %q", st.VersionToken)
	}
	if len(st.Tasks) != 2 {
		t.Errorf("local tasks replaced after save: %+v", st.Tasks)
	}
}

func TestSave_ConflictAdoptsServerState(t *testing.T) {
	api := newFakeAPI(existingTask("a"))
	r, logs := newTestReconciler(t, api)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Another writer wins the race.
	if _, err := api.SaveTasks(context.Background(), []schema.Task{existingTask("a"), existingTask("b")}, "2025-01-01T00:00:00.000Z"); err != nil {
		t.Fatal(err)
	}

	r.Delete("a")
	waitFor(t, "conflict adoption", func() bool { return len(r.Tasks()) == 2 })

	st := r.State()
	if st.VersionToken != "2030-01-01T00:00:00.001Z" {
		t.Errorf("token = %q, want server token", st.VersionToken)
	}
	time.Sleep(60 * time.Millisecond)
	if n := api.saveCount(); n != 2 {
		t.Errorf("saves = %d, want 2 (no save after adoption)", n)
	}
	if !strings.Contains(logs.String(), "Warning:") {
		t.Errorf("conflict should be logged as a warning, got %q", logs.String())
	}
}

func TestSave_FetchesTokenWhenMissing(t *testing.T) {
	api := newFakeAPI(existingTask("a"))
	r, _ := newTestReconciler(t, api)

	mustCreate(t, r, "before load", CreateOptions{})
	waitFor(t, "save", func() bool { return api.saveCount() == 1 })

	api.mu.Lock()
	fetches := api.fetches
	api.mu.Unlock()
	if fetches != 1 {
		t.Errorf("fetches = %d, want 1", fetches)
	}
	if call := api.lastSave(); call.base != "2025-01-01T00:00:00.000Z" {
		t.Errorf("base = %q, want fetched token", call.base)
	}
	if got := r.Tasks(); len(got) != 1 || got[0].Title != "before load" {
		t.Errorf("local tasks = %+v, want only the local edit", got)
	}
}

func TestSave_PreconditionFailureIsAbandoned(t *testing.T) {
	api := newFakeAPI()
	api.saveErr = &client.StatusError{StatusCode: 428, Message: "baseUpdatedAt is required"}
	r, logs := newTestReconciler(t, api)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, r, "x", CreateOptions{})
	waitFor(t, "save attempt", func() bool { return api.saveCount() == 1 })
	time.Sleep(60 * time.Millisecond)

	if n := api.saveCount(); n != 1 {
		t.Errorf("saves = %d, want no retry", n)
	}
	if len(r.Tasks()) != 1 {
		t.Error("local edit should survive an abandoned save")
	}
	if !strings.Contains(logs.String(), "abandoned") {
		t.Errorf("logs = %q", logs.String())
	}
}

func TestClose_CancelsPendingSave(t *testing.T) {
	api := newFakeAPI()
	r, _ := newTestReconciler(t, api)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, r, "x", CreateOptions{})
	r.Close()
	time.Sleep(60 * time.Millisecond)
	if n := api.saveCount(); n != 0 {
		t.Errorf("saves after Close = %d, want 0", n)
	}
	if err := r.Update("id-1", Patch{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Update after Close = %v, want ErrClosed", err)
	}
}

func TestFlush_SavesImmediately(t *testing.T) {
	api := newFakeAPI()
	r := New(api, &Config{SaveDebounce: time.Hour, Logger: log.New(new(bytes.Buffer), "", 0)})
	defer r.Close()
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	mustCreate(t, r, "x", CreateOptions{})
	r.Flush(context.Background())
	if n := api.saveCount(); n != 1 {
		t.Fatalf("saves after Flush = %d, want 1", n)
	}
	r.Flush(context.Background())
	if n := api.saveCount(); n != 1 {
		t.Errorf("second Flush with nothing pending saved again: %d", n)
	}
}

func TestCreate_Defaults(t *testing.T) {
	r, _ := newTestReconciler(t, newFakeAPI())
	task := mustCreate(t, r, "hello", CreateOptions{Tags: []string{"x"}})

	if task.ID != "id-1" || task.Status != schema.StatusInbox || task.Pipeline != schema.PipelineGeneral || task.CreatedBy != "human" {
		t.Errorf("Create defaults = %+v", task)
	}
	if task.CreatedAt != "2025-06-01T00:00:00.000Z" || task.CreatedAt != task.UpdatedAt {
		t.Errorf("timestamps = %q/%q", task.CreatedAt, task.UpdatedAt)
	}
	if err := task.Validate(); err != nil {
		t.Errorf("created task does not validate: %v", err)
	}
}

func TestAddNote_AppendsOnly(t *testing.T) {
	r, _ := newTestReconciler(t, newFakeAPI())
	task := mustCreate(t, r, "t", CreateOptions{})

	n1, ok := r.AddNote(task.ID, "agent-1", "first")
	if !ok {
		t.Fatal("AddNote failed")
	}
	if _, ok := r.AddNote(task.ID, "human", "second"); !ok {
		t.Fatal("AddNote failed")
	}
	if _, ok := r.AddNote("missing", "human", "x"); ok {
		t.Error("AddNote on unknown task should fail")
	}

	got := r.Tasks()[0].Notes
	if len(got) != 2 || got[0] != n1 || got[1].Content != "second" {
		t.Errorf("notes = %+v", got)
	}
}

func TestFilterAndByStatus(t *testing.T) {
	r, _ := newTestReconciler(t, newFakeAPI())
	mustCreate(t, r, "a", CreateOptions{Pipeline: schema.PipelineEmail, AssignedTo: "agent-1"})
	mustCreate(t, r, "b", CreateOptions{Pipeline: schema.PipelineEmail, Status: schema.StatusDone})
	mustCreate(t, r, "c", CreateOptions{Pipeline: schema.PipelineContent, AssignedTo: "agent-1"})

	r.SetFilter(Filter{Pipeline: schema.PipelineEmail})
	if got := r.Filtered(); len(got) != 2 {
		t.Errorf("pipeline filter = %d tasks, want 2", len(got))
	}
	if got := r.ByStatus(schema.StatusDone); len(got) != 1 || got[0].Title != "b" {
		t.Errorf("ByStatus(done) = %+v", got)
	}

	r.SetFilter(Filter{AgentID: "agent-1"})
	if got := r.ByStatus(schema.StatusInbox); len(got) != 2 {
		t.Errorf("agent filter inbox = %d tasks, want 2", len(got))
	}

	r.SetFilter(Filter{})
	if got := r.Filtered(); len(got) != 3 {
		t.Errorf("empty filter = %d tasks, want 3", len(got))
	}
}

func TestUnknownIDsAreIgnored(t *testing.T) {
	r, _ := newTestReconciler(t, newFakeAPI())
	if err := r.Update("nope", Patch{}); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Update of unknown id = %v", err)
	}
	if err := r.Move("nope", schema.StatusDone); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("Move of unknown id = %v", err)
	}
	if r.Delete("nope") {
		t.Error("Delete of unknown id should report false")
	}
}

func TestInvalidEdits_AreRefused(t *testing.T) {
	api := newFakeAPI(existingTask("a"))
	r := New(api, &Config{SaveDebounce: time.Hour, Logger: log.New(new(bytes.Buffer), "", 0)})
	defer r.Close()
	ctx := context.Background()
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	before := r.State()

	if _, err := r.Create("", CreateOptions{}); err == nil {
		t.Error("Create with empty title should fail")
	}
	if _, err := r.Create("x", CreateOptions{Pipeline: "sales"}); err == nil {
		t.Error("Create with unknown pipeline should fail")
	}
	if err := r.Move("a", "bogus"); err == nil || errors.Is(err, ErrUnknownTask) {
		t.Errorf("Move to unknown status = %v, want a validation error", err)
	}
	empty := ""
	if err := r.Update("a", Patch{Title: &empty}); err == nil {
		t.Error("Update clearing the title should fail")
	}

	after := r.State()
	if len(after.Tasks) != 1 || after.Tasks[0].Status != schema.StatusInbox || after.Tasks[0].Title != before.Tasks[0].Title {
		t.Errorf("state changed by refused edits: %+v", after.Tasks)
	}
	r.Flush(ctx)
	if n := api.saveCount(); n != 0 {
		t.Fatalf("refused edits scheduled %d saves", n)
	}

	// A valid edit afterwards still syncs.
	task := mustCreate(t, r, "real task", CreateOptions{})
	r.Flush(ctx)
	if n := api.saveCount(); n != 1 {
		t.Fatalf("saves = %d, want 1", n)
	}
	if call := api.lastSave(); len(call.tasks) != 2 || call.tasks[1].ID != task.ID {
		t.Errorf("saved tasks = %+v", call.tasks)
	}
}

// blockingAPI holds every save until release is closed.
type blockingAPI struct {
	*fakeAPI
	started chan struct{}
	release chan struct{}
}

func (b *blockingAPI) SaveTasks(ctx context.Context, tasks []schema.Task, base string) (client.SaveResult, error) {
	close(b.started)
	<-b.release
	return b.fakeAPI.SaveTasks(ctx, tasks, base)
}

func TestClose_DiscardsInFlightSave(t *testing.T) {
	api := &blockingAPI{fakeAPI: newFakeAPI(), started: make(chan struct{}), release: make(chan struct{})}
	r := New(api, &Config{SaveDebounce: time.Hour, Logger: log.New(new(bytes.Buffer), "", 0)})
	ctx := context.Background()
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	task := mustCreate(t, r, "in flight", CreateOptions{})

	done := make(chan struct{})
	go func() {
		r.Flush(ctx)
		close(done)
	}()
	<-api.started
	r.Close()
	close(api.release)
	<-done

	if n := api.saveCount(); n != 1 {
		t.Fatalf("server saves = %d, want 1", n)
	}
	st := r.State()
	if st.VersionToken != schema.SentinelUpdatedAt {
		t.Errorf("token after Close = %q, want the pre-save token", st.VersionToken)
	}
	if len(st.Tasks) != 1 || st.Tasks[0].ID != task.ID {
		t.Errorf("tasks after Close = %+v", st.Tasks)
	}
}
