// Package syncctl implements compare-and-swap writes over the task store.
//
// A writer must echo the version token it last read (baseUpdatedAt). The
// write is applied only when that token still equals the token on disk;
// otherwise the caller receives the current board so it can reconcile
// without another round trip.
package syncctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/board/validate"
	"github.com/openclaw/polyboard/internal/metrics"
)

var (
	// ErrPreconditionRequired is returned when a write carries no baseUpdatedAt.
	ErrPreconditionRequired = errors.New("baseUpdatedAt is required; read tasks before writing")

	// ErrInvalidTasks is returned when the submitted batch fails strict validation.
	ErrInvalidTasks = errors.New("invalid tasks")

	// ErrConflict is returned when baseUpdatedAt no longer matches the stored token.
	ErrConflict = errors.New("tasks were modified by another client")
)

// ValidationError wraps the reason a batch was rejected.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %v", ErrInvalidTasks, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidTasks
}

// ConflictError carries the board that won the race.
type ConflictError struct {
	Base    string
	Current schema.TasksFile
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v (base %s, current %s)", ErrConflict, e.Base, e.Current.UpdatedAt)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// PutRequest is the body of a conditional write.
//
// Both fields are kept undecoded so the controller can tell an absent or
// null token apart from a token of the wrong type.
type PutRequest struct {
	Tasks         json.RawMessage `json:"tasks"`
	BaseUpdatedAt json.RawMessage `json:"baseUpdatedAt"`
}

// DecodePutRequest reads a PutRequest from r.
func DecodePutRequest(r io.Reader) (PutRequest, error) {
	var req PutRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return PutRequest{}, &ValidationError{Err: fmt.Errorf("failed to parse request body: %w", err)}
	}
	return req, nil
}

// PutResult is returned after a successful write.
type PutResult struct {
	Success   bool   `json:"success"`
	UpdatedAt string `json:"updatedAt"`
}

// Config holds configuration for the controller.
type Config struct {
	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for rejected and applied writes
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Controller serves reads and conditional writes of the board.
type Controller struct {
	store  *store.Store
	config *Config

	// mu makes re-read, compare and write one step. Without it two requests
	// holding the same token could both pass the comparison.
	mu sync.Mutex
}

// New creates a controller over st.
func New(st *store.Store, config *Config) (*Controller, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Controller{store: st, config: config}, nil
}

// Store returns the underlying store.
func (c *Controller) Store() *store.Store {
	return c.store
}

// Get returns the current board verbatim.
func (c *Controller) Get(ctx context.Context) schema.TasksFile {
	start := time.Now()
	file := c.store.Read()
	c.config.Metrics.ObserveSync("GET", "ok", time.Since(start).Seconds())
	return file
}

// Put replaces the board if req.BaseUpdatedAt matches the stored token.
//
// Errors satisfy errors.Is against ErrPreconditionRequired, ErrInvalidTasks
// or ErrConflict; a *ConflictError carries the current board. Any other
// error is a store write failure.
func (c *Controller) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	start := time.Now()
	res, err := c.put(ctx, req)
	c.config.Metrics.ObserveSync("PUT", outcome(err), time.Since(start).Seconds())
	return res, err
}

func (c *Controller) put(ctx context.Context, req PutRequest) (PutResult, error) {
	if isAbsent(req.BaseUpdatedAt) {
		return PutResult{}, ErrPreconditionRequired
	}
	var base string
	if err := json.Unmarshal(req.BaseUpdatedAt, &base); err != nil {
		return PutResult{}, &ValidationError{Err: fmt.Errorf("baseUpdatedAt must be a string")}
	}

	var raw any
	if !isAbsent(req.Tasks) {
		if err := json.Unmarshal(req.Tasks, &raw); err != nil {
			return PutResult{}, &ValidationError{Err: fmt.Errorf("failed to parse tasks: %w", err)}
		}
	}
	tasks, err := validate.Batch(raw)
	if err != nil {
		return PutResult{}, &ValidationError{Err: err}
	}

	return c.swap(ctx, base, tasks)
}

// Swap writes typed tasks when base matches the stored token. The tasks go
// through the same strict validation as Put, so an invalid batch is
// rejected whole with a *ValidationError and nothing is written.
func (c *Controller) Swap(ctx context.Context, base string, tasks []schema.Task) (PutResult, error) {
	raw, err := validate.ToAny(tasks)
	if err != nil {
		return PutResult{}, &ValidationError{Err: err}
	}
	checked, err := validate.Batch(raw)
	if err != nil {
		c.config.Logger.Printf("Rejected invalid write: %v", err)
		return PutResult{}, &ValidationError{Err: err}
	}
	return c.swap(ctx, base, checked)
}

func (c *Controller) swap(ctx context.Context, base string, tasks []schema.Task) (PutResult, error) {
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.store.Read()
	if current.UpdatedAt != base {
		c.config.Logger.Printf("Rejected stale write (base %s, current %s)", base, current.UpdatedAt)
		return PutResult{}, &ConflictError{Base: base, Current: current}
	}

	written, err := c.store.Write(tasks)
	if err != nil {
		return PutResult{}, fmt.Errorf("failed to write tasks: %w", err)
	}
	c.config.Logger.Printf("Wrote %d tasks (version %s)", len(written.Tasks), written.UpdatedAt)
	return PutResult{Success: true, UpdatedAt: written.UpdatedAt}, nil
}

func isAbsent(msg json.RawMessage) bool {
	return len(msg) == 0 || string(msg) == "null"
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPreconditionRequired):
		return "precondition_required"
	case errors.Is(err, ErrInvalidTasks):
		return "invalid"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
