package workerpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tileserv/coretiles/internal/procutil"
)

// maxConsecutiveProtocolErrors bounds how many non-JSON stdout lines a
// worker may emit in a row for one job before it's treated as broken
// (spec.md §4.1: "persistent protocol failures fail the current future
// with protocol_error and kill the worker to force restart").
const maxConsecutiveProtocolErrors = 5

type jobWire struct {
	ID  string `json:"id"`
	Job any    `json:"job"`
}

// worker owns one renderer subprocess across its whole lifetime, respawning
// it on crash. Exactly one job is ever in flight on a worker at a time.
type worker struct {
	id   int
	pool *Pool

	mu          sync.Mutex
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	lines       chan string
	exited      chan error
	done        chan struct{}
	current     *queuedJob
	aborting    bool
	lastExitErr error
}

func newWorker(id int, pool *Pool) *worker {
	return &worker{id: id, pool: pool}
}

// loop is the worker's whole lifetime: dequeue, ensure the subprocess is
// up, run one job, repeat, until the pool closes.
func (w *worker) loop() {
	defer w.pool.wg.Done()
	for {
		qj, ok := w.pool.dequeue()
		if !ok {
			w.shutdown()
			return
		}
		if err := w.ensureAlive(); err != nil {
			qj.fail(fmt.Errorf("%w: %v", ErrSpawnError, err))
			continue
		}
		qj.future.resolve(w.execute(qj))
	}
}

func (w *worker) ensureAlive() error {
	w.mu.Lock()
	alive := w.cmd != nil
	w.mu.Unlock()
	if alive {
		return nil
	}
	return w.spawnWithBackoff()
}

func (w *worker) spawnWithBackoff() error {
	bo := backoff.WithContext(backoff.NewConstantBackOff(w.pool.cfg.RestartDelay), w.pool.ctx)
	return backoff.RetryNotify(w.spawn, bo, func(err error, d time.Duration) {
		w.pool.logger.Warn("worker spawn failed, retrying", "worker", w.id, "error", err, "backoff", d)
	})
}

func (w *worker) spawn() error {
	cmd := exec.Command(w.pool.cfg.Command, w.pool.cfg.Args...)
	if len(w.pool.cfg.Env) > 0 {
		cmd.Env = w.pool.cfg.Env
	}
	procutil.SetNewProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("workerpool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("workerpool: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("workerpool: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("workerpool: start: %w", err)
	}

	lines := make(chan string, 16)
	exited := make(chan error, 1)
	done := make(chan struct{})

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	w.lines = lines
	w.exited = exited
	w.done = done
	w.mu.Unlock()

	go scanLines(stdout, lines)
	go drainStderr(stderr, w.pool.logger, w.id)
	go func() {
		err := cmd.Wait()
		exited <- err
		close(done)
	}()

	w.pool.logger.Info("worker spawned", "worker", w.id, "pid", cmd.Process.Pid)
	return nil
}

func scanLines(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		out <- sc.Text()
	}
	close(out)
}

func drainStderr(r io.Reader, logger *slog.Logger, workerID int) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		logger.Warn("worker stderr", "worker", workerID, "line", sc.Text())
	}
}

// execute writes qj's job to the subprocess and reads stdout until the
// terminal result line, a crash, or a protocol failure.
func (w *worker) execute(qj *queuedJob) Result {
	start := time.Now()

	w.mu.Lock()
	w.current = qj
	stdin, lines, exited := w.stdin, w.lines, w.exited
	w.mu.Unlock()

	data, err := json.Marshal(jobWire{ID: qj.job.ID, Job: qj.job.Payload})
	if err != nil {
		w.clearCurrent()
		return Result{JobID: qj.job.ID, Err: fmt.Errorf("workerpool: marshal job: %w", err), Elapsed: time.Since(start)}
	}
	data = append(data, '\n')

	if _, err := stdin.Write(data); err != nil {
		werr := <-exited
		w.handleExit(werr)
		return Result{JobID: qj.job.ID, Err: w.crashOrAbortErr(), Elapsed: time.Since(start)}
	}

	protocolErrors := 0
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				werr := <-exited
				w.handleExit(werr)
				return Result{JobID: qj.job.ID, Err: w.crashOrAbortErr(), Elapsed: time.Since(start)}
			}

			var probe map[string]json.RawMessage
			if err := json.Unmarshal([]byte(line), &probe); err != nil {
				w.pool.logger.Warn("worker emitted non-JSON line", "worker", w.id, "line", line)
				protocolErrors++
				if protocolErrors >= maxConsecutiveProtocolErrors {
					w.kill()
					werr := <-exited
					w.handleExit(werr)
					return Result{JobID: qj.job.ID, Err: ErrProtocolError, Elapsed: time.Since(start)}
				}
				continue
			}
			protocolErrors = 0

			if _, terminal := probe["status"]; terminal {
				w.clearCurrent()
				return Result{JobID: qj.job.ID, Raw: json.RawMessage(line), Elapsed: time.Since(start)}
			}
			if w.pool.cfg.OnProgress != nil {
				w.pool.cfg.OnProgress(qj.job.ID, json.RawMessage(line))
			}
		case werr := <-exited:
			w.handleExit(werr)
			return Result{JobID: qj.job.ID, Err: w.crashOrAbortErr(), Elapsed: time.Since(start)}
		}
	}
}

func (w *worker) clearCurrent() {
	w.mu.Lock()
	w.current = nil
	w.mu.Unlock()
}

// handleExit records that the subprocess is gone so the next loop
// iteration respawns it, and feeds the pool's crash-window log.
func (w *worker) handleExit(werr error) {
	w.mu.Lock()
	w.cmd = nil
	w.current = nil
	w.mu.Unlock()

	if !w.wasAborted() {
		w.pool.recordCrash(w.id)
	} else if werr != nil {
		w.pool.logger.Debug("worker exited after abort", "worker", w.id, "error", werr)
	}
}

// crashOrAbortErr reports whether the exit just handled was user-requested
// (AbortAll/kill) or an unexpected crash. abortRunning sets w.aborting
// before killing, so it must be read before handleExit's own check clears
// it — callers read it once, right after handleExit, via this helper.
func (w *worker) crashOrAbortErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastExitErr
}

func (w *worker) kill() {
	w.mu.Lock()
	cmd, done := w.cmd, w.done
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := procutil.TerminateTree(cmd.Process.Pid, w.pool.cfg.AbortGrace, done); err != nil {
		w.pool.logger.Warn("terminate worker tree failed", "worker", w.id, "error", err)
	}
}

// abortRunning kills the worker's subprocess iff it currently owns a job,
// so that job's Future resolves with ErrAborted rather than
// ErrWorkerCrashed. Returns whether a running job was actually aborted.
func (w *worker) abortRunning() bool {
	w.mu.Lock()
	busy := w.current != nil
	w.aborting = busy
	w.lastExitErr = ErrAborted
	w.mu.Unlock()
	if !busy {
		return false
	}
	w.kill()
	return true
}

// currentJobID reports the job ID this worker is presently executing, or
// "" if it's idle or waiting on the queue.
func (w *worker) currentJobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.job.ID
}

func (w *worker) wasAborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	v := w.aborting
	w.aborting = false
	if !v {
		w.lastExitErr = ErrWorkerCrashed
	}
	return v
}

func (w *worker) shutdown() {
	w.mu.Lock()
	cmd, done := w.cmd, w.done
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = procutil.TerminateTree(cmd.Process.Pid, w.pool.cfg.AbortGrace, done)
}
