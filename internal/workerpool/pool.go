// Package workerpool owns a fixed-size set of persistent renderer
// subprocesses, dispatching at most one job at a time to each and
// restarting any subprocess that exits unexpectedly (spec.md §4.1).
package workerpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tileserv/coretiles/internal/procutil"
)

// Config configures a Pool.
type Config struct {
	// Workers is the fixed pool size; at least 1.
	Workers int
	// Command and Args launch one renderer subprocess per worker.
	Command string
	Args    []string
	// Env overrides the subprocess environment; nil inherits the
	// parent's.
	Env []string
	// RestartDelay is the constant back-off between failed spawn
	// attempts. Defaults to 2s. A worker whose subprocess crashed is
	// respawned when it takes its next job, with no delay before the
	// first spawn attempt.
	RestartDelay time.Duration
	// OnProgress, if set, receives every non-terminal JSON line emitted
	// by a worker while a job is in flight.
	OnProgress ProgressFunc
	Logger     *slog.Logger
	// AbortGrace is how long a kill waits for graceful exit before
	// OS-tree escalation (spec.md §4.1/§4.3 ABORT_GRACE_MS). Defaults
	// to procutil.DefaultGracePeriod (1s).
	AbortGrace time.Duration
}

// Pool is the worker pool described by spec.md §4.1's public contract:
// Submit, CancelQueued, AbortAll, Close.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*queuedJob
	closed bool

	crashesMu sync.Mutex
	crashes   []time.Time

	workers []*worker
	wg      sync.WaitGroup
}

// New starts cfg.Workers worker goroutines. Subprocesses are spawned
// lazily, the first time each worker is handed a job, and whenever one
// needs to be restarted after a crash.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 2 * time.Second
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = procutil.DefaultGracePeriod
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{cfg: cfg, logger: logger, ctx: ctx, cancel: cancel}
	p.cond = sync.NewCond(&p.mu)

	p.workers = make([]*worker, cfg.Workers)
	for i := range p.workers {
		w := newWorker(i, p)
		p.workers[i] = w
		p.wg.Add(1)
		go w.loop()
	}
	return p
}

// Submit enqueues job, returning a Future resolved once some worker
// delivers a terminal result, the job is cancelled, or its worker fails to
// spawn or crashes while holding it. Workers pull from a single FIFO queue,
// so whichever is free next takes the oldest waiting job; there is no
// ordering guarantee between concurrent callers of Submit itself.
func (p *Pool) Submit(job Job) (*Future, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	future := newFuture()
	p.queue = append(p.queue, &queuedJob{job: job, future: future, queuedAt: time.Now()})
	p.mu.Unlock()
	p.cond.Signal()
	return future, nil
}

// CancelQueued removes queued jobs for which match returns true and fails
// their futures with ErrAborted. Jobs already handed to a worker are
// unaffected; it returns how many were removed.
func (p *Pool) CancelQueued(match func(Job) bool) int {
	p.mu.Lock()
	kept := p.queue[:0]
	var removed []*queuedJob
	for _, qj := range p.queue {
		if match(qj.job) {
			removed = append(removed, qj)
		} else {
			kept = append(kept, qj)
		}
	}
	p.queue = kept
	p.mu.Unlock()

	for _, qj := range removed {
		qj.fail(ErrAborted)
	}
	return len(removed)
}

// AbortAllResult reports what AbortAll affected.
type AbortAllResult struct {
	CancelledQueued int
	AbortedRunning  int
}

// AbortAll fails every queued future with ErrAborted, then kills every
// subprocess currently holding a job (which resolves that job's future
// with ErrAborted too, and triggers that worker's restart path).
func (p *Pool) AbortAll(reason string) AbortAllResult {
	cancelled := p.CancelQueued(func(Job) bool { return true })

	aborted := 0
	for _, w := range p.workers {
		if w.abortRunning() {
			aborted++
		}
	}
	p.logger.Info("worker pool abort all", "reason", reason, "cancelled_queued", cancelled, "aborted_running", aborted)
	return AbortAllResult{CancelledQueued: cancelled, AbortedRunning: aborted}
}

// AbortJob kills whichever worker currently holds jobID, resolving its
// Future with ErrAborted (spec.md §4.1 "a running job cannot be cancelled
// without killing the worker"). Reports false if jobID is not currently
// running on any worker (it may be queued — use CancelQueued for that, or
// already finished).
func (p *Pool) AbortJob(jobID string) bool {
	for _, w := range p.workers {
		if w.currentJobID() == jobID {
			return w.abortRunning()
		}
	}
	return false
}

// Close stops accepting submissions, fails any still-queued jobs, and
// kills every subprocess. It blocks until all worker goroutines exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	leftover := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, qj := range leftover {
		qj.fail(ErrPoolClosed)
	}

	// Kill any subprocess still holding a job so its worker's loop can
	// observe the close and exit instead of blocking on that job forever.
	for _, w := range p.workers {
		w.abortRunning()
	}

	p.cancel()
	p.wg.Wait()
}

// dequeue blocks until a job is available or the pool closes.
func (p *Pool) dequeue() (*queuedJob, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.queue) == 0 {
		return nil, false
	}
	qj := p.queue[0]
	p.queue = p.queue[1:]
	return qj, true
}

// recordCrash feeds the "persistent failure" log spec.md §4.1 calls for:
// a warning per crash, escalating to an error once >=3 land within 60s.
func (p *Pool) recordCrash(workerID int) {
	const window = 60 * time.Second
	const threshold = 3

	p.crashesMu.Lock()
	now := time.Now()
	cutoff := now.Add(-window)
	kept := p.crashes[:0]
	for _, t := range p.crashes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.crashes = append(kept, now)
	count := len(p.crashes)
	p.crashesMu.Unlock()

	if count >= threshold {
		p.logger.Error("worker pool experiencing persistent crashes", "worker", workerID, "count", count, "window", window)
		return
	}
	p.logger.Warn("worker crashed, restarting", "worker", workerID)
}

// QueueLength reports how many jobs are currently waiting for a free
// worker. Used by the render queue to estimate Retry-After (spec.md §4.2).
func (p *Pool) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// QueuePositionOf reports jobID's zero-based position in the FIFO queue.
// ok is false once the job has been dequeued by a worker (running, not
// merely waiting).
func (p *Pool) QueuePositionOf(jobID string) (pos int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, qj := range p.queue {
		if qj.job.ID == jobID {
			return i, true
		}
	}
	return 0, false
}
