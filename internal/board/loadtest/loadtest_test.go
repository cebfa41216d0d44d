package loadtest

import (
	"bytes"
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/board/syncctl"
)

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

// TestRun_NoLostWrites verifies that every acknowledged write is on the final board.
func TestRun_NoLostWrites(t *testing.T) {
	ctl := newController(t)

	report, err := Run(context.Background(), ctl, Config{Writers: 8, OpsPerWriter: 5, MaxRetries: 1000, SeedTasks: 20})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Successes != 40 || report.Failed != 0 {
		t.Errorf("successes = %d, failed = %d", report.Successes, report.Failed)
	}
	if !report.OK() {
		t.Errorf("lost writes: %v (final %d)", report.Lost, report.FinalCount)
	}
	if report.FinalCount != 60 {
		t.Errorf("final count = %d, want 60", report.FinalCount)
	}
	if report.Latency.Count != 40 || report.Latency.Min > report.Latency.Max {
		t.Errorf("latency = %+v", report.Latency)
	}
	t.Logf("conflicts: %d", report.Conflicts)
}

// TestRun_SingleWriterNeverConflicts verifies a lone client always wins.
func TestRun_SingleWriterNeverConflicts(t *testing.T) {
	ctl := newController(t)

	report, err := Run(context.Background(), ctl, Config{Writers: 1, OpsPerWriter: 10})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Conflicts != 0 || report.Successes != 10 || !report.OK() {
		t.Errorf("report = %+v", report)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctl := newController(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := Run(ctx, ctl, Config{Writers: 2, OpsPerWriter: 2}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestGenerateTasks(t *testing.T) {
	tasks := generateTasks(10)
	seen := make(map[string]bool)
	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			t.Errorf("task %s invalid: %v", task.ID, err)
		}
		if seen[task.ID] {
			t.Errorf("duplicate id %s", task.ID)
		}
		seen[task.ID] = true
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}
	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("min/max = %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond || stats.P99 != 100*time.Millisecond {
		t.Errorf("p50/p99 = %v/%v", stats.P50, stats.P99)
	}
	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestReport_Print(t *testing.T) {
	var buf bytes.Buffer
	(&Report{Writers: 3, Successes: 9}).Print(&buf)
	if !strings.Contains(buf.String(), "Successes:     9") {
		t.Errorf("output = %q", buf.String())
	}
}
