package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/openclaw/polyboard/internal/board/client"
	"github.com/openclaw/polyboard/internal/board/schema"
)

// ErrClosed is returned for edits made after Close.
var ErrClosed = errors.New("reconciler is closed")

// API is the subset of the sync protocol the reconciler needs.
// *client.Client satisfies it.
type API interface {
	FetchTasks(ctx context.Context) (schema.TasksFile, error)
	SaveTasks(ctx context.Context, tasks []schema.Task, base string) (client.SaveResult, error)
}

// Config holds configuration for the reconciler.
type Config struct {
	// SaveDebounce is the quiet period before local edits are saved.
	SaveDebounce time.Duration

	// SaveTimeout bounds a single fetch-and-save round.
	SaveTimeout time.Duration

	// DefaultAuthor is used as createdBy for tasks created without one.
	DefaultAuthor string

	// Now and NewID are injectable for tests.
	Now   func() time.Time
	NewID func() string

	// OnChange, if set, is called with a copy of the state after every
	// transition, outside the reconciler's lock.
	OnChange func(State)

	// Logger for save failures and conflicts
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SaveDebounce:  500 * time.Millisecond,
		SaveTimeout:   30 * time.Second,
		DefaultAuthor: "human",
		Now:           time.Now,
		NewID:         uuid.NewString,
		Logger:        log.New(os.Stderr, "[reconcile] ", log.LstdFlags),
	}
}

// Reconciler owns a local working copy of the board.
type Reconciler struct {
	api    API
	config *Config

	mu     sync.Mutex
	state  State
	filter Filter
	closed bool

	// saveMu keeps at most one save round in flight.
	saveMu    sync.Mutex
	debouncer *Debouncer
}

// New creates a reconciler. Call Load before editing.
func New(api API, config *Config) *Reconciler {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.SaveDebounce <= 0 {
		config.SaveDebounce = defaults.SaveDebounce
	}
	if config.SaveTimeout <= 0 {
		config.SaveTimeout = defaults.SaveTimeout
	}
	if config.DefaultAuthor == "" {
		config.DefaultAuthor = defaults.DefaultAuthor
	}
	if config.Now == nil {
		config.Now = defaults.Now
	}
	if config.NewID == nil {
		config.NewID = defaults.NewID
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	r := &Reconciler{api: api, config: config}
	r.debouncer = NewDebouncer(config.SaveDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.SaveTimeout)
		defer cancel()
		r.save(ctx)
	})
	return r
}

// Load fetches the server board and adopts it without scheduling a save.
func (r *Reconciler) Load(ctx context.Context) error {
	file, err := r.api.FetchTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	r.transition(func(s State) State { return Adopt(s, file) })
	return nil
}

// State returns a copy of the current state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyState(r.state)
}

// Tasks returns every local task regardless of the filter.
func (r *Reconciler) Tasks() []schema.Task {
	return r.State().Tasks
}

// CreateOptions are the optional fields of a new task.
type CreateOptions struct {
	Description string
	Status      schema.Status
	AssignedTo  string
	CreatedBy   string
	Pipeline    schema.Pipeline
	Priority    schema.Priority
	Tags        []string
}

// Create adds a task with a fresh id. Status defaults to inbox and pipeline
// to general. A task that fails validation is not added and no save is
// scheduled.
func (r *Reconciler) Create(title string, opts CreateOptions) (schema.Task, error) {
	now := schema.FormatTimestamp(r.config.Now())
	task := schema.Task{
		ID:          r.config.NewID(),
		Title:       title,
		Description: opts.Description,
		Status:      opts.Status,
		AssignedTo:  opts.AssignedTo,
		CreatedBy:   opts.CreatedBy,
		Pipeline:    opts.Pipeline,
		Priority:    opts.Priority,
		Tags:        append([]string{}, opts.Tags...),
		Notes:       []schema.Note{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Status == "" {
		task.Status = schema.StatusInbox
	}
	if task.Pipeline == "" {
		task.Pipeline = schema.PipelineGeneral
	}
	if task.CreatedBy == "" {
		task.CreatedBy = r.config.DefaultAuthor
	}

	if err := r.transitionErr(func(s State) (State, error) { return Insert(s, task) }); err != nil {
		return schema.Task{}, err
	}
	return task, nil
}

// Update applies p to the task with the given id. Unknown ids return
// ErrUnknownTask; a patch leaving the task invalid is refused.
func (r *Reconciler) Update(id string, p Patch) error {
	now := r.config.Now()
	return r.transitionErr(func(s State) (State, error) { return Apply(s, id, p, now) })
}

// Move changes a task's board column.
func (r *Reconciler) Move(id string, status schema.Status) error {
	return r.Update(id, Patch{Status: &status})
}

// Delete removes a task.
func (r *Reconciler) Delete(id string) bool {
	return r.transitionIf(func(s State) (State, bool) { return Remove(s, id) })
}

// AddNote appends a note to a task and returns it.
func (r *Reconciler) AddNote(id, author, content string) (schema.Note, bool) {
	now := r.config.Now()
	note := schema.Note{
		ID:        r.config.NewID(),
		AuthorID:  author,
		Content:   content,
		CreatedAt: schema.FormatTimestamp(now),
	}
	ok := r.transitionIf(func(s State) (State, bool) { return AppendNote(s, id, note, now) })
	if !ok {
		return schema.Note{}, false
	}
	return note, true
}

// SetFilter changes the filter applied by Filtered and ByStatus.
func (r *Reconciler) SetFilter(f Filter) {
	r.mu.Lock()
	r.filter = f
	r.mu.Unlock()
}

// Filtered returns the tasks passing the current filter.
func (r *Reconciler) Filtered() []schema.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schema.Task
	for _, t := range r.state.Tasks {
		if r.filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// ByStatus returns the filtered tasks in one board column.
func (r *Reconciler) ByStatus(status schema.Status) []schema.Task {
	var out []schema.Task
	for _, t := range r.Filtered() {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// Flush saves pending edits now instead of waiting for the debounce.
func (r *Reconciler) Flush(ctx context.Context) {
	if r.debouncer.Cancel() {
		r.save(ctx)
	}
}

// Close cancels a pending save. A save already in flight completes but
// its result is discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.debouncer.Stop()
}

func (r *Reconciler) transition(fn func(State) State) {
	r.transitionIf(func(s State) (State, bool) { return fn(s), true })
}

func (r *Reconciler) transitionIf(fn func(State) (State, bool)) bool {
	return r.transitionErr(func(s State) (State, error) {
		next, ok := fn(s)
		if !ok {
			return s, ErrUnknownTask
		}
		return next, nil
	}) == nil
}

// transitionErr applies fn and schedules a save unless fn fails or the
// change was adopted from the server.
func (r *Reconciler) transitionErr(fn func(State) (State, error)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	next, err := fn(r.state)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	next, shouldSave := ConsumeChange(next)
	r.state = next
	snapshot := copyState(next)
	r.mu.Unlock()

	if shouldSave {
		r.debouncer.Trigger()
	}
	if r.config.OnChange != nil {
		r.config.OnChange(snapshot)
	}
	return nil
}

// save performs one fetch-if-needed and conditional write round.
func (r *Reconciler) save(ctx context.Context) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	tasks := schema.CloneTasks(r.state.Tasks)
	token, hasToken := r.state.VersionToken, r.state.HasToken
	r.mu.Unlock()

	if !hasToken {
		file, err := r.api.FetchTasks(ctx)
		if err != nil {
			r.config.Logger.Printf("Failed to fetch version token before save: %v", err)
			return
		}
		token = file.UpdatedAt
		r.mu.Lock()
		r.state = AdoptToken(r.state, token)
		r.mu.Unlock()
	}

	res, err := r.api.SaveTasks(ctx, tasks, token)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	var conflict *client.ConflictError
	switch {
	case err == nil:
		r.state = AdoptToken(r.state, res.UpdatedAt)
		r.mu.Unlock()
	case errors.As(err, &conflict):
		r.config.Logger.Printf("Warning: save conflicted with a newer board (%s); adopting server state", conflict.Current.UpdatedAt)
		r.mu.Unlock()
		r.debouncer.Cancel()
		r.transition(func(s State) State { return Adopt(s, conflict.Current) })
	case errors.Is(err, client.ErrPreconditionRequired):
		r.mu.Unlock()
		r.config.Logger.Printf("Save abandoned: server requires a version token")
	default:
		r.mu.Unlock()
		r.config.Logger.Printf("Failed to save tasks: %v", err)
	}
}

func copyState(s State) State {
	s.Tasks = schema.CloneTasks(s.Tasks)
	return s
}
