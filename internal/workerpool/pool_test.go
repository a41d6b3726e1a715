package workerpool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// fakeWorkerScript launches a tiny shell "renderer" that, for each stdin
// line, sleeps a bit and echoes back a deterministic terminal result. This
// lets the pool tests exercise the real subprocess/JSON-line plumbing
// without depending on an actual rendering binary.
const fakeWorkerScript = `
while IFS= read -r line; do
  printf '{"progress":"rendering"}\n'
  sleep 0.01
  printf '{"status":"completed","echo":%s}\n' "$line"
done
`

func newFakePool(t *testing.T, workers int) *Pool {
	t.Helper()
	pool := New(Config{
		Workers:      workers,
		Command:      "sh",
		Args:         []string{"-c", fakeWorkerScript},
		RestartDelay: 50 * time.Millisecond,
	})
	t.Cleanup(pool.Close)
	return pool
}

func TestPool_SubmitDeliversTerminalResult(t *testing.T) {
	pool := newFakePool(t, 1)

	future, err := pool.Submit(Job{ID: "job-1", Payload: map[string]any{"z": 3}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Err != nil {
		t.Fatalf("expected nil Result.Err, got %v (raw=%s)", res.Err, res.Raw)
	}
	if !strings.Contains(string(res.Raw), `"status":"completed"`) {
		t.Fatalf("expected terminal status line, got %s", res.Raw)
	}
}

func TestPool_OnProgressSeesNonTerminalLines(t *testing.T) {
	seen := make(chan string, 4)
	pool := New(Config{
		Workers:      1,
		Command:      "sh",
		Args:         []string{"-c", fakeWorkerScript},
		RestartDelay: 50 * time.Millisecond,
		OnProgress: func(jobID string, raw json.RawMessage) {
			seen <- jobID
		},
	})
	t.Cleanup(pool.Close)

	future, err := pool.Submit(Job{ID: "job-progress", Payload: map[string]any{}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := future.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	select {
	case id := <-seen:
		if id != "job-progress" {
			t.Fatalf("expected progress event for job-progress, got %s", id)
		}
	default:
		t.Fatalf("expected at least one progress event before the terminal result")
	}
}

func TestPool_CancelQueued(t *testing.T) {
	pool := New(Config{
		Workers:      1,
		Command:      "sh",
		Args:         []string{"-c", "sleep 5"},
		RestartDelay: 50 * time.Millisecond,
	})
	t.Cleanup(pool.Close)

	busyFuture, err := pool.Submit(Job{ID: "busy", Payload: nil})
	if err != nil {
		t.Fatalf("Submit busy: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the single worker pick it up

	queuedFuture, err := pool.Submit(Job{ID: "queued", Payload: nil})
	if err != nil {
		t.Fatalf("Submit queued: %v", err)
	}

	n := pool.CancelQueued(func(j Job) bool { return j.ID == "queued" })
	if n != 1 {
		t.Fatalf("expected 1 cancelled job, got %d", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := queuedFuture.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait queued: %v", err)
	}
	if res.Err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", res.Err)
	}

	_ = busyFuture // resolved implicitly on pool.Close via t.Cleanup
}

func TestPool_AbortAll(t *testing.T) {
	pool := New(Config{
		Workers:      1,
		Command:      "sh",
		Args:         []string{"-c", "sleep 5"},
		RestartDelay: 50 * time.Millisecond,
	})
	t.Cleanup(pool.Close)

	future, err := pool.Submit(Job{ID: "long", Payload: nil})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	result := pool.AbortAll("test")
	if result.AbortedRunning != 1 {
		t.Fatalf("expected 1 aborted running job, got %+v", result)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := future.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Err != ErrAborted {
		t.Fatalf("expected ErrAborted, got %v", res.Err)
	}
}

func TestPool_SubmitAfterCloseFails(t *testing.T) {
	pool := newFakePool(t, 1)
	pool.Close()

	if _, err := pool.Submit(Job{ID: "x"}); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
