// Package loadtest drives concurrent writers against one sync controller.
//
// Each simulated client runs read-modify-write loops: read the board, append
// a task, and write back with the token it read. Losing a race yields a
// conflict and the client retries from a fresh read. At the end every
// acknowledged write must still be on the board.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/syncctl"
)

// Config controls the shape of a run.
type Config struct {
	// Writers is the number of concurrent clients (default 10)
	Writers int

	// OpsPerWriter is how many tasks each client adds (default 10)
	OpsPerWriter int

	// MaxRetries bounds conflict retries per operation (default 50)
	MaxRetries int

	// SeedTasks are written before the run starts
	SeedTasks int
}

// DefaultConfig returns a small run suitable for a quick check.
func DefaultConfig() Config {
	return Config{Writers: 10, OpsPerWriter: 10, MaxRetries: 50}
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report summarizes a run.
type Report struct {
	Writers    int
	Successes  int
	Conflicts  int
	Failed     int
	SeedTasks  int
	FinalCount int
	UpdatedAt  string

	// Lost lists acknowledged task ids missing from the final board
	Lost []string

	Latency  LatencyStats
	Duration time.Duration
}

// OK reports whether every acknowledged write survived.
func (r *Report) OK() bool {
	return len(r.Lost) == 0 && r.FinalCount == r.SeedTasks+r.Successes
}

// Run executes the load test against ctl.
func Run(ctx context.Context, ctl *syncctl.Controller, cfg Config) (*Report, error) {
	defaults := DefaultConfig()
	if cfg.Writers <= 0 {
		cfg.Writers = defaults.Writers
	}
	if cfg.OpsPerWriter <= 0 {
		cfg.OpsPerWriter = defaults.OpsPerWriter
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.SeedTasks > 0 {
		if err := seed(ctx, ctl, cfg.SeedTasks); err != nil {
			return nil, err
		}
	}

	report := &Report{Writers: cfg.Writers, SeedTasks: cfg.SeedTasks}
	var mu sync.Mutex
	var acked []string
	var durations []time.Duration

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Writers; w++ {
		writer := w
		g.Go(func() error {
			for op := 0; op < cfg.OpsPerWriter; op++ {
				id := fmt.Sprintf("lt-w%03d-%04d", writer, op)
				began := time.Now()
				conflicts, err := appendTask(gctx, ctl, newTask(id, writer, op), cfg.MaxRetries)
				elapsed := time.Since(began)

				mu.Lock()
				report.Conflicts += conflicts
				switch {
				case err == nil:
					report.Successes++
					acked = append(acked, id)
					durations = append(durations, elapsed)
				case errors.Is(err, syncctl.ErrConflict):
					report.Failed++
				}
				mu.Unlock()

				if err != nil && !errors.Is(err, syncctl.ErrConflict) {
					return fmt.Errorf("writer %d op %d failed: %w", writer, op, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	report.Latency = computeLatencyStats(durations)

	final := ctl.Get(ctx)
	report.FinalCount = len(final.Tasks)
	report.UpdatedAt = final.UpdatedAt
	report.Lost = missing(final, acked)
	return report, nil
}

// appendTask adds task with optimistic retries. It returns the number of
// conflicts seen and ErrConflict if retries ran out.
func appendTask(ctx context.Context, ctl *syncctl.Controller, task schema.Task, maxRetries int) (int, error) {
	conflicts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		current := ctl.Get(ctx)
		next := append(schema.CloneTasks(current.Tasks), task)
		_, err := ctl.Swap(ctx, current.UpdatedAt, next)
		if err == nil {
			return conflicts, nil
		}
		if !errors.Is(err, syncctl.ErrConflict) {
			return conflicts, err
		}
		conflicts++
	}
	return conflicts, syncctl.ErrConflict
}

func seed(ctx context.Context, ctl *syncctl.Controller, n int) error {
	current := ctl.Get(ctx)
	if _, err := ctl.Swap(ctx, current.UpdatedAt, generateTasks(n)); err != nil {
		return fmt.Errorf("failed to seed board: %w", err)
	}
	return nil
}

func missing(file schema.TasksFile, acked []string) []string {
	present := make(map[string]bool, len(file.Tasks))
	for _, t := range file.Tasks {
		present[t.ID] = true
	}
	var lost []string
	for _, id := range acked {
		if !present[id] {
			lost = append(lost, id)
		}
	}
	sort.Strings(lost)
	return lost
}

func newTask(id string, writer, op int) schema.Task {
	now := schema.FormatTimestamp(time.Now())
	return schema.Task{
		ID:        id,
		Title:     fmt.Sprintf("Load test write %d from client %d", op, writer),
		Status:    schema.StatusInbox,
		CreatedBy: fmt.Sprintf("loadtest-%d", writer),
		Pipeline:  schema.Pipelines[op%len(schema.Pipelines)],
		Tags:      []string{"loadtest"},
		Notes:     []schema.Note{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// generateTasks creates seed tasks spread across columns and pipelines.
func generateTasks(count int) []schema.Task {
	baseTime := time.Now().Add(-30 * 24 * time.Hour)

	tasks := make([]schema.Task, count)
	for i := 0; i < count; i++ {
		createdAt := schema.FormatTimestamp(baseTime.Add(time.Duration(i) * time.Minute))
		tasks[i] = schema.Task{
			ID:          fmt.Sprintf("seed-%05d", i),
			Title:       fmt.Sprintf("Seed task %d", i),
			Description: "Generated for load testing",
			Status:      schema.Statuses[i%len(schema.Statuses)],
			CreatedBy:   "loadtest",
			Pipeline:    schema.Pipelines[i%len(schema.Pipelines)],
			Priority:    schema.Priorities[i%len(schema.Priorities)],
			Tags:        []string{"loadtest", fmt.Sprintf("batch-%d", i/100)},
			Notes:       []schema.Note{},
			CreatedAt:   createdAt,
			UpdatedAt:   createdAt,
		}
	}
	return tasks
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// Print formats the report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Load test: %d writers in %v\n", r.Writers, r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Successes:     %d\n", r.Successes)
	fmt.Fprintf(w, "  Conflicts:     %d\n", r.Conflicts)
	fmt.Fprintf(w, "  Failed:        %d\n", r.Failed)
	fmt.Fprintf(w, "  Final tasks:   %d (seed %d)\n", r.FinalCount, r.SeedTasks)
	fmt.Fprintf(w, "  Lost writes:   %d\n", len(r.Lost))
	fmt.Fprintf(w, "Write latency (including retries):\n")
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
