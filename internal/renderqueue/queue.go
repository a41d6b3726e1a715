package renderqueue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/workerpool"
)

// Config configures a Queue.
type Config struct {
	Pool *workerpool.Pool

	// MaxRenderProcs bounds concurrent in-flight renders. Default 8.
	MaxRenderProcs int
	// Timeout is how long a render may run, worker-queue wait included,
	// before failing with tile_generation_timeout. Default 150s.
	Timeout time.Duration
	Logger  *slog.Logger

	// BuildJob builds the worker job payload for key.
	BuildJob func(key Key) (any, error)
	// OnFirstSubmission, if set, is called with the key when a render is
	// first submitted, so the caller can record an on-demand marker. It
	// fires once per render, not once per waiter.
	OnFirstSubmission func(key Key)
}

// Queue implements the on-demand render contract of spec.md §4.2: at most
// one in-flight subprocess per tile key (invariant 2 of spec.md §3), via
// golang.org/x/sync/singleflight, bounded by a MaxRenderProcs semaphore.
type Queue struct {
	cfg   Config
	sem   chan struct{}
	group singleflight.Group

	mu        sync.Mutex
	inflight  map[string]bool
}

// New builds a Queue from cfg, defaulting MaxRenderProcs and Timeout.
func New(cfg Config) *Queue {
	if cfg.MaxRenderProcs <= 0 {
		cfg.MaxRenderProcs = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 150 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxRenderProcs),
		inflight: make(map[string]bool),
	}
}

// Future is a render in flight, shared by every waiter attached to the
// same key.
type Future struct {
	key      Key
	pool     *workerpool.Pool
	queuedAt time.Time
	resultCh <-chan singleflight.Result
}

// Wait blocks until the render resolves or ctx is cancelled. Cancelling
// ctx only stops this caller from waiting — the render itself, and any
// other waiter's Wait call, are unaffected.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case res := <-f.resultCh:
		if res.Err != nil {
			return "", res.Err
		}
		path, _ := res.Val.(string)
		return path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Status estimates this render's place in line, for the 202 response
// headers spec.md §4.2 calls for. A position of 0 with ok=false from the
// pool (already dequeued / running) is reported as the front of the line.
func (f *Future) Status() (queuePosition, queueLength int) {
	queueLength = f.pool.QueueLength()
	if pos, ok := f.pool.QueuePositionOf(f.key.String()); ok {
		return pos, queueLength
	}
	return 0, queueLength
}

// RetryAfter implements spec.md §4.2's estimate:
// floor(queuePos / MAX_RENDER_PROCS) * 2 + 2, capped at 60s.
func RetryAfter(queuePosition, maxRenderProcs int) time.Duration {
	if maxRenderProcs <= 0 {
		maxRenderProcs = 8
	}
	secs := (queuePosition/maxRenderProcs)*2 + 2
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// RequestTile implements the public contract:
//   - if expectedPath already exists on disk, fileExists=true and the
//     caller should serve it directly;
//   - otherwise a Future is returned. If a render for key is already in
//     flight, the caller is attached to it (no duplicate subprocess call);
//     otherwise a new render is dispatched and OnFirstSubmission fires
//     once for this key.
func (q *Queue) RequestTile(key Key, expectedPath string) (fileExists bool, future *Future) {
	if _, err := os.Stat(expectedPath); err == nil {
		return true, nil
	}

	ks := key.String()
	q.mu.Lock()
	firstCaller := !q.inflight[ks]
	q.inflight[ks] = true
	q.mu.Unlock()

	if firstCaller && q.cfg.OnFirstSubmission != nil {
		q.cfg.OnFirstSubmission(key)
	}

	resultCh := q.group.DoChan(ks, func() (any, error) {
		return q.render(key, expectedPath)
	})

	return false, &Future{key: key, pool: q.cfg.Pool, queuedAt: time.Now(), resultCh: resultCh}
}

func (q *Queue) render(key Key, expectedPath string) (any, error) {
	ks := key.String()
	defer func() {
		q.mu.Lock()
		delete(q.inflight, ks)
		q.mu.Unlock()
	}()

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-time.After(q.cfg.Timeout):
		q.cfg.Logger.Warn("tile render timed out waiting for a free slot", "key", ks)
		return nil, apierr.ErrTileGenerationTimeout
	}

	payload, err := q.cfg.BuildJob(key)
	if err != nil {
		return nil, err
	}

	jobFuture, err := q.cfg.Pool.Submit(workerpool.Job{ID: ks, Payload: payload})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.Timeout)
	defer cancel()
	res, err := jobFuture.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			q.cfg.Logger.Warn("tile render timed out", "key", ks)
			return nil, apierr.ErrTileGenerationTimeout
		}
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	return expectedPath, nil
}
