package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/metrics"
)

// RunStatus is the lifecycle of a ProjectRun (spec.md §4.3).
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
)

// ProjectRun tracks a project-wide recache: a serial sequence of
// single-layer/theme batch jobs (spec.md §4.3 "runRecacheForProject").
type ProjectRun struct {
	RunID     string    `json:"runId"`
	ProjectID string    `json:"projectId"`
	Reason    string    `json:"reason"`
	Status    RunStatus `json:"status"`

	TotalCount     int      `json:"totalCount"`
	CompletedCount int      `json:"completedCount"`
	CurrentLayer   string   `json:"currentLayer,omitempty"`
	CurrentIndex   int      `json:"currentIndex"`
	Failures       []string `json:"failures,omitempty"`

	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	done chan struct{}
	mu   sync.Mutex
}

// Wait blocks until the run reaches a terminal status. Used by
// internal/scheduler to execute a project-level recache synchronously
// within its sequential due-item loop (spec.md §4.4 "execute them
// sequentially").
func (r *ProjectRun) Wait() { <-r.done }

func (r *ProjectRun) snapshot() ProjectRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *r
	cp.Failures = append([]string(nil), r.Failures...)
	return cp
}

// StartProjectRun admits a project-wide recache (spec.md §6 `POST
// /projects/{id}/cache/project`). If targets is empty, every layer and
// theme currently in the project's index is included.
func (m *Manager) StartProjectRun(projectID, reason string, targets []Target, runID string) (*ProjectRun, error) {
	if projectID == "" {
		return nil, apierr.ErrProjectIDRequired
	}

	m.runsMu.Lock()
	if existing, ok := m.runs[projectID]; ok {
		existing.mu.Lock()
		active := existing.Status == RunQueued || existing.Status == RunRunning
		existing.mu.Unlock()
		if active {
			m.runsMu.Unlock()
			return nil, apierr.ErrBatchRunning
		}
	}
	m.runsMu.Unlock()

	if len(targets) == 0 {
		idx, err := m.cfg.Index.Load(projectID)
		if err != nil {
			return nil, fmt.Errorf("batch: load index for project run: %w", err)
		}
		for _, e := range idx.Layers {
			targets = append(targets, Target{Mode: e.Kind, Name: e.Name})
		}
	}

	if runID == "" {
		runID = uuid.NewString()
	}

	run := &ProjectRun{
		RunID:      runID,
		ProjectID:  projectID,
		Reason:     reason,
		Status:     RunQueued,
		TotalCount: len(targets),
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}

	m.runsMu.Lock()
	m.runs[projectID] = run
	m.runsMu.Unlock()

	go m.runRecacheForProject(run, targets)

	return run, nil
}

// GetProjectRun returns the current or most recent run for projectID.
func (m *Manager) GetProjectRun(projectID string) (ProjectRun, error) {
	m.runsMu.Lock()
	run, ok := m.runs[projectID]
	m.runsMu.Unlock()
	if !ok {
		return ProjectRun{}, apierr.ErrProjectCacheNotFound
	}
	return run.snapshot(), nil
}

// runRecacheForProject serializes one batch job per target, purging each
// target's existing cache first (spec.md §4.3: "Before each layer it
// purges the existing layer cache (full recache path)"). A single
// target's failure is collected and does not stop the run; the run's
// overall status is success iff every target succeeded.
func (m *Manager) runRecacheForProject(run *ProjectRun, targets []Target) {
	run.mu.Lock()
	run.Status = RunRunning
	run.mu.Unlock()

	for i, target := range targets {
		run.mu.Lock()
		run.CurrentIndex = i
		run.CurrentLayer = target.Name
		run.mu.Unlock()

		if err := m.PurgeTargetCache(run.ProjectID, target); err != nil {
			m.logger.Warn("batch: purge before project-run recache failed", "project", run.ProjectID, "target", target.Name, "error", err)
		}

		idx, err := m.cfg.Index.Load(run.ProjectID)
		var zoomMin, zoomMax int = 0, 14
		tileCRS := "EPSG:3857"
		scheme := "xyz"
		if err == nil {
			if e, ok := idx.FindEntry(target.Mode, target.Name); ok {
				zoomMin, zoomMax = e.ZoomMin, e.ZoomMax
				tileCRS = e.TileCRS
				scheme = e.Scheme
			}
		}

		job, err := m.StartJob(JobParams{
			Project: run.ProjectID,
			Target:  target,
			ZoomMin: zoomMin, ZoomMax: zoomMax,
			TileCRS: tileCRS, Scheme: scheme,
			RecacheHint: "full",
			RunReason:   run.Reason,
			Trigger:     "manual",
			RunID:       run.RunID,
			BatchIndex:  i,
			BatchTotal:  len(targets),
		})
		if err != nil {
			m.recordFailure(run, target, err.Error())
			continue
		}

		<-job.done

		job.Lock()
		status := job.Status
		job.Unlock()
		if status != StatusCompleted {
			m.recordFailure(run, target, string(status))
		}

		run.mu.Lock()
		run.CompletedCount++
		run.mu.Unlock()
	}

	now := time.Now()
	run.mu.Lock()
	run.EndedAt = &now
	run.CurrentLayer = ""
	if len(run.Failures) > 0 {
		run.Status = RunError
	} else {
		run.Status = RunCompleted
	}
	run.mu.Unlock()

	metrics.BatchJobsTotal.WithLabelValues("project_run_" + string(run.Status)).Inc()
	close(run.done)

	time.AfterFunc(projectBatchTTL, func() {
		m.runsMu.Lock()
		if m.runs[run.ProjectID] == run {
			delete(m.runs, run.ProjectID)
		}
		m.runsMu.Unlock()
	})
}

func (m *Manager) recordFailure(run *ProjectRun, target Target, reason string) {
	run.mu.Lock()
	run.Failures = append(run.Failures, fmt.Sprintf("%s: %s", target.Name, reason))
	run.mu.Unlock()
}

// projectBatchTTL is PROJECT_BATCH_TTL_MS's default (spec.md §6): how long
// a completed project-run record is retained before eviction.
const projectBatchTTL = 15 * time.Minute

// PurgeTargetCache removes a layer/theme's on-disk tile directory, used
// both by project-run recaches (full purge before full re-render) and by
// the DELETE /cache/{project}/{name} HTTP handler (spec.md §3 invariant 6).
func (m *Manager) PurgeTargetCache(projectID string, target Target) error {
	dir := filepath.Join(m.cfg.CacheDir, projectID, themeDir(target), target.Name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("batch: purge %s/%s: %w", projectID, target.Name, err)
	}
	return nil
}
