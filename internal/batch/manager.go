package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/metrics"
	"github.com/tileserv/coretiles/internal/store"
	"github.com/tileserv/coretiles/internal/tilegrid"
	"github.com/tileserv/coretiles/internal/workerpool"
)

// Config configures a Manager.
type Config struct {
	CacheDir string
	Index    *store.IndexStore
	Configs  *store.ConfigStore
	Grid     *tilegrid.Registry
	Logger   *slog.Logger

	// JobMax bounds concurrent running jobs; admission above this
	// returns apierr.ErrServerBusy. Default 4.
	JobMax int
	// JobTTL is how long a terminal job stays in memory before
	// eviction. Default 5 minutes.
	JobTTL time.Duration
	// IndexFlushInterval bounds how often progress writes to the
	// index, absent a status change. Default 180s.
	IndexFlushInterval time.Duration
	// ConfigFlushInterval bounds how often progress writes to project
	// config, absent a status change. Default 180s.
	ConfigFlushInterval time.Duration
	// TailBytes caps GetJob's clipped stdout/stderr tails.
	// Default 50000.
	TailBytes int

	// BuildPayload turns admitted params + the computed recache plan
	// into the JSON job description sent to the worker subprocess
	// (spec.md §6 "tile generation jobs").
	BuildPayload func(params JobParams, plan RecachePlan, outputDir, indexPath string) (any, error)
}

// Manager is the Batch Job Manager of spec.md §4.3.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	pool   *workerpool.Pool

	mu         sync.Mutex
	activeKeys map[string]string // key -> jobID
	jobs       map[string]*Job

	runsMu sync.Mutex
	runs   map[string]*ProjectRun
}

// NewManager builds a Manager from cfg, defaulting unset fields per
// spec.md §6/§3 (JOB_MAX=4, JOB_TTL_MS=5min,
// INDEX_FLUSH_INTERVAL_MS/PROGRESS_CONFIG_INTERVAL_MS=180s).
func NewManager(cfg Config) *Manager {
	if cfg.JobMax <= 0 {
		cfg.JobMax = 4
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = 5 * time.Minute
	}
	if cfg.IndexFlushInterval <= 0 {
		cfg.IndexFlushInterval = 180 * time.Second
	}
	if cfg.ConfigFlushInterval <= 0 {
		cfg.ConfigFlushInterval = 180 * time.Second
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = 50_000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		activeKeys: make(map[string]string),
		jobs:       make(map[string]*Job),
		runs:       make(map[string]*ProjectRun),
	}
}

// AttachPool wires the shared worker pool after construction, since the
// pool's OnProgress callback must reference this manager's HandleProgress
// (a two-phase wiring to avoid a construction cycle between Manager and
// workerpool.Pool).
func (m *Manager) AttachPool(pool *workerpool.Pool) {
	m.pool = pool
}

func (m *Manager) runningCount() int {
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			n++
		}
	}
	return n
}

// StartJob admits and submits a batch generation job (spec.md §4.3).
func (m *Manager) StartJob(params JobParams) (*Job, error) {
	if params.Project == "" {
		return nil, apierr.ErrProjectIDRequired
	}
	if params.Target.Name == "" {
		return nil, apierr.ErrTargetRequired
	}
	if params.Target.Mode != "layer" && params.Target.Mode != "theme" {
		return nil, apierr.ErrInvalidTargetName
	}

	key := Key(params.Project, params.Target.Mode, params.Target.Name)

	m.mu.Lock()
	if _, running := m.activeKeys[key]; running {
		m.mu.Unlock()
		return nil, apierr.ErrJobAlreadyRunning
	}
	if m.runningCount() >= m.cfg.JobMax {
		m.mu.Unlock()
		return nil, apierr.ErrServerBusy
	}
	jobID := uuid.NewString()
	m.activeKeys[key] = jobID
	m.mu.Unlock()

	idx, err := m.cfg.Index.Load(params.Project)
	if err != nil {
		m.releaseKey(key)
		return nil, fmt.Errorf("batch: load index: %w", err)
	}
	existing, _ := idx.FindEntry(params.Target.Mode, params.Target.Name)

	plan := ComputeRecachePlan(existing, params.ZoomMin, params.ZoomMax, params.TileCRS, params.RecacheHint, params.Overlap)

	outputDir := filepath.Join(m.cfg.CacheDir, params.Project, themeDir(params.Target), params.Target.Name)
	indexPath := filepath.Join(m.cfg.CacheDir, params.Project, "index.json")

	payload, err := m.cfg.BuildPayload(params, plan, outputDir, indexPath)
	if err != nil {
		m.releaseKey(key)
		return nil, fmt.Errorf("batch: build payload: %w", err)
	}

	job := &Job{
		ID:        jobID,
		Project:   params.Project,
		Target:    params.Target,
		Key:       key,
		Params:    params,
		Plan:      plan,
		Status:    StatusRunning,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		Progress: Snapshot{
			Status:    "running",
			UpdatedAt: time.Now(),
		},
	}

	m.mu.Lock()
	m.jobs[jobID] = job
	m.mu.Unlock()

	m.initIndexEntry(job)
	metrics.BatchJobsRunning.Inc()

	future, err := m.pool.Submit(workerpool.Job{ID: jobID, Payload: payload})
	if err != nil {
		m.finishJob(job, StatusError, -1, fmt.Sprintf("spawn_error: %v", err))
		return nil, apierr.ErrSpawnError.WithDetails(err.Error())
	}

	go m.await(job, future)

	return job, nil
}

func themeDir(t Target) string {
	if t.Mode == "theme" {
		return "_themes"
	}
	return ""
}

func (m *Manager) releaseKey(key string) {
	m.mu.Lock()
	delete(m.activeKeys, key)
	m.mu.Unlock()
}

// await blocks for the job's terminal result and applies the final flush
// (spec.md §4.3 "On subprocess close").
func (m *Manager) await(job *Job, future *workerpool.Future) {
	res, _ := future.Wait(context.Background())

	if res.Err != nil {
		code, msg := classifyErr(res.Err)
		m.finishJob(job, code, -1, msg)
		return
	}

	var term terminalResult
	if err := json.Unmarshal(res.Raw, &term); err != nil {
		m.finishJob(job, StatusError, -1, "unparseable terminal result: "+err.Error())
		return
	}

	switch term.Status {
	case "success", "completed":
		m.finishJob(job, StatusCompleted, 0, term.Message)
	case "aborted":
		m.finishJob(job, StatusAborted, -1, term.Message)
	default:
		m.finishJob(job, StatusError, 1, term.Message)
	}
}

func classifyErr(err error) (JobStatus, string) {
	if errors.Is(err, workerpool.ErrAborted) {
		return StatusAborted, "aborted"
	}
	apiErr, ok := apierr.As(err)
	if ok && apiErr.Code == "aborted" {
		return StatusAborted, "aborted"
	}
	return StatusError, err.Error()
}

// GetJob returns a clipped summary of jobID (spec.md §6 GET
// /generate-cache/{id}).
func (m *Manager) GetJob(jobID string, tail int) (Summary, error) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return Summary{}, apierr.ErrJobNotFound
	}
	if tail <= 0 {
		tail = m.cfg.TailBytes
	}
	return m.summarize(job, tail), nil
}

func (m *Manager) summarize(job *Job, tail int) Summary {
	job.Lock()
	defer job.Unlock()
	return Summary{
		ID:        job.ID,
		Project:   job.Project,
		Target:    job.Target,
		Status:    job.Status,
		ExitCode:  job.ExitCode,
		StartedAt: job.StartedAt,
		EndedAt:   job.EndedAt,
		Progress:  job.Progress,
		Stdout:    clipTail(job.StdoutTail, tail),
		Stderr:    clipTail(job.StderrTail, tail),
	}
}

func clipTail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// ListRunning returns a summary for every job currently running.
func (m *Manager) ListRunning() []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status == StatusRunning {
			out = append(out, m.summarize(j, m.cfg.TailBytes))
		}
	}
	return out
}

// Abort cancels jobID: if still queued, it's dropped before dispatch; if
// running, its worker is killed (graceful signal, then OS-tree escalation
// after AbortGrace — spec.md §4.1/§4.3 "best-effort kill, then OS-tree
// escalation after ABORT_GRACE_MS"). Either way the job's own await
// goroutine observes the resulting ErrAborted and calls finishJob; Abort
// itself only triggers the cancellation, it doesn't duplicate finishJob.
func (m *Manager) Abort(jobID string) error {
	m.mu.Lock()
	_, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return apierr.ErrJobNotFound
	}

	if m.pool.CancelQueued(func(j workerpool.Job) bool { return j.ID == jobID }) > 0 {
		return nil
	}
	m.pool.AbortJob(jobID)
	return nil
}

// RunningJobID reports the job currently occupying (project, mode, name)'s
// admission-control slot, if any (spec.md §3 invariant 1). Used by the
// DELETE /cache/{project}/{name} handler to decide between a 409
// job_running and a force-abort.
func (m *Manager) RunningJobID(project, mode, name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.activeKeys[Key(project, mode, name)]
	return id, ok
}

// AbortAndWait aborts jobID and blocks until its await goroutine has
// finished recording the terminal outcome, so a caller that needs the
// active key released (e.g. a cache purge) doesn't race finishJob.
func (m *Manager) AbortAndWait(jobID string) error {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return apierr.ErrJobNotFound
	}
	if err := m.Abort(jobID); err != nil {
		return err
	}
	<-job.Done()
	return nil
}

// initIndexEntry upserts a "running" placeholder the moment a job is
// admitted (spec.md §4.3 "initializes the index entry... immediately (first
// flush)"), ahead of the worker's own start_generate event.
func (m *Manager) initIndexEntry(job *Job) {
	_, err := m.cfg.Index.Upsert(job.Project, job.Target.Mode, job.Target.Name, func(existing *store.IndexEntry) *store.IndexEntry {
		e := store.IndexEntry{}
		if existing != nil {
			e = *existing
		}
		e.Scheme = job.Params.Scheme
		e.TileCRS = job.Params.TileCRS
		e.TileMatrixPreset = job.Params.TileMatrixPreset
		e.Path = filepath.Join(m.cfg.CacheDir, job.Project, themeDir(job.Target), job.Target.Name)
		e.Partial = true
		e.Progress = store.Progress{Status: "running", Percent: 0, UpdatedAt: time.Now()}
		return &e
	})
	if err != nil {
		m.logger.Error("batch: init index entry failed", "project", job.Project, "target", job.Target.Name, "error", err)
	}
}

// finishJob records a terminal outcome, releases the active key, flushes
// final state to the index and config stores, appends one history entry
// (spec.md §3 invariant 4), and schedules TTL eviction.
func (m *Manager) finishJob(job *Job, status JobStatus, exitCode int, message string) {
	job.Lock()
	now := time.Now()
	job.Status = status
	job.ExitCode = exitCode
	job.EndedAt = &now
	job.Progress.Status = string(status)
	job.Progress.UpdatedAt = now
	if message != "" {
		job.Progress.Message = message
	}
	job.Unlock()

	m.releaseKey(job.Key)
	metrics.BatchJobsRunning.Dec()
	metrics.BatchJobsTotal.WithLabelValues(string(status)).Inc()

	m.flushFinal(job)
	close(job.done)

	time.AfterFunc(m.cfg.JobTTL, func() {
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
	})
}
