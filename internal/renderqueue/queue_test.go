package renderqueue

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/workerpool"
)

// fakeRenderScript mirrors workerpool's fake renderer: one terminal JSON
// line per stdin line, after a short delay so concurrent RequestTile calls
// have a chance to race into the same render.
const fakeRenderScript = `
while IFS= read -r line; do
  sleep 0.05
  printf '{"status":"completed"}\n'
done
`

func newFakePool(t *testing.T) *workerpool.Pool {
	t.Helper()
	pool := workerpool.New(workerpool.Config{
		Workers:      2,
		Command:      "sh",
		Args:         []string{"-c", fakeRenderScript},
		RestartDelay: 50 * time.Millisecond,
	})
	t.Cleanup(pool.Close)
	return pool
}

func TestQueue_RequestTile_FileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	q := New(Config{
		Pool:     newFakePool(t),
		BuildJob: func(Key) (any, error) { return map[string]any{}, nil },
	})

	exists, future := q.RequestTile(Key{Project: "demo", Mode: "layer", Name: "orto", Z: 3, X: 1, Y: 2}, path)
	if !exists {
		t.Fatalf("expected fileExists=true")
	}
	if future != nil {
		t.Fatalf("expected nil future when file already exists")
	}
}

func TestQueue_RequestTile_CoalescesConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")

	var firstSubmissions int32
	q := New(Config{
		Pool:              newFakePool(t),
		BuildJob:          func(Key) (any, error) { return map[string]any{}, nil },
		OnFirstSubmission: func(Key) { atomic.AddInt32(&firstSubmissions, 1) },
	})

	key := Key{Project: "demo", Mode: "layer", Name: "orto", Z: 5, X: 10, Y: 11}

	exists1, f1 := q.RequestTile(key, path)
	exists2, f2 := q.RequestTile(key, path)
	if exists1 || exists2 {
		t.Fatalf("expected fileExists=false before render completes")
	}
	if f1 == nil || f2 == nil {
		t.Fatalf("expected non-nil futures")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p1, err1 := f1.Wait(ctx)
	p2, err2 := f2.Wait(ctx)
	if err1 != nil || err2 != nil {
		t.Fatalf("Wait errors: %v, %v", err1, err2)
	}
	if p1 != path || p2 != path {
		t.Fatalf("expected both waiters to resolve to %s, got %s and %s", path, p1, p2)
	}
	if n := atomic.LoadInt32(&firstSubmissions); n != 1 {
		t.Fatalf("expected exactly 1 OnFirstSubmission call for coalesced requests, got %d", n)
	}
}

func TestQueue_RequestTile_SecondRenderAfterFirstCompletes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")

	var firstSubmissions int32
	q := New(Config{
		Pool:              newFakePool(t),
		BuildJob:          func(Key) (any, error) { return map[string]any{}, nil },
		OnFirstSubmission: func(Key) { atomic.AddInt32(&firstSubmissions, 1) },
	})
	key := Key{Project: "demo", Mode: "layer", Name: "orto", Z: 1, X: 0, Y: 0}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, f1 := q.RequestTile(key, path)
	if _, err := f1.Wait(ctx); err != nil {
		t.Fatalf("Wait 1: %v", err)
	}

	// The in-flight marker must clear once the render finishes, so a later
	// request for the same key (e.g. cache evicted) dispatches again rather
	// than hanging on a stale singleflight entry.
	_, f2 := q.RequestTile(key, path)
	if _, err := f2.Wait(ctx); err != nil {
		t.Fatalf("Wait 2: %v", err)
	}
	if n := atomic.LoadInt32(&firstSubmissions); n != 2 {
		t.Fatalf("expected 2 separate OnFirstSubmission calls across sequential renders, got %d", n)
	}
}

func TestQueue_RequestTile_TimesOutWhenWorkerNeverResponds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tile.png")

	pool := workerpool.New(workerpool.Config{
		Workers:      1,
		Command:      "sh",
		Args:         []string{"-c", "sleep 5"},
		RestartDelay: 50 * time.Millisecond,
	})
	t.Cleanup(pool.Close)

	q := New(Config{
		Pool:     pool,
		Timeout:  100 * time.Millisecond,
		BuildJob: func(Key) (any, error) { return map[string]any{}, nil },
	})

	_, future := q.RequestTile(Key{Project: "demo", Mode: "layer", Name: "orto", Z: 0, X: 0, Y: 0}, path)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := future.Wait(ctx)
	if err != apierr.ErrTileGenerationTimeout {
		t.Fatalf("expected ErrTileGenerationTimeout, got %v", err)
	}
}

func TestRetryAfter(t *testing.T) {
	cases := []struct {
		pos, max int
		want     time.Duration
	}{
		{0, 8, 2 * time.Second},
		{7, 8, 2 * time.Second},
		{8, 8, 4 * time.Second},
		{16, 8, 6 * time.Second},
		{1000, 8, 60 * time.Second},
	}
	for _, c := range cases {
		if got := RetryAfter(c.pos, c.max); got != c.want {
			t.Errorf("RetryAfter(%d, %d) = %v, want %v", c.pos, c.max, got, c.want)
		}
	}
}
