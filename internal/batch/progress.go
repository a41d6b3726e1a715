package batch

import (
	"encoding/json"
	"time"

	"github.com/tileserv/coretiles/internal/store"
)

// HandleProgress is wired as the shared workerpool.Pool's OnProgress
// callback (spec.md §4.3 "Progress interpretation"). It's a no-op for any
// jobID the manager doesn't recognize (e.g. an on-demand render — those
// share the same pool but never appear in m.jobs).
func (m *Manager) HandleProgress(jobID string, raw json.RawMessage) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	switch {
	case has(probe, "debug"):
		var ev startGenerateEvent
		if decodeEvent(raw, &ev) && ev.Debug == "start_generate" {
			m.onStartGenerate(job, ev)
		}
	case has(probe, "progress"):
		var ev progressEvent
		if decodeEvent(raw, &ev) {
			m.onProgress(job, ev)
		}
	}
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

// onStartGenerate initializes the live snapshot with the worker's own
// expected_total and flushes the index entry and the project config
// immediately, ahead of the first percent update (spec.md §4.3). The
// config flush writes the run's lastRunAt/lastJobId/lastParams only; see
// flushConfig.
func (m *Manager) onStartGenerate(job *Job, ev startGenerateEvent) {
	job.Lock()
	job.Progress.ExpectedTotal = ev.ExpectedTotal
	job.Progress.Status = "running"
	job.Progress.UpdatedAt = time.Now()
	job.Unlock()

	m.flushIndex(job, true)
	m.flushConfig(job, true)
}

// onProgress folds a {progress, total_generated, expected_total, percent?}
// event into the snapshot, enforcing monotonicity on TotalGenerated only
// (spec.md §5, §9 open question on ExpectedTotal), then flushes to the
// index/config stores only when that store's configured interval has
// elapsed since its last flush.
func (m *Manager) onProgress(job *Job, ev progressEvent) {
	job.Lock()
	if ev.TotalGenerated > job.Progress.TotalGenerated {
		job.Progress.TotalGenerated = ev.TotalGenerated
	}
	if ev.ExpectedTotal > 0 {
		job.Progress.ExpectedTotal = ev.ExpectedTotal
	}
	if ev.Percent != nil {
		job.Progress.Percent = clampPercent(*ev.Percent)
	} else if job.Progress.ExpectedTotal > 0 {
		job.Progress.Percent = clampPercent(100 * float64(job.Progress.TotalGenerated) / float64(job.Progress.ExpectedTotal))
	}
	job.Progress.UpdatedAt = time.Now()

	dueIndex := time.Since(job.Progress.lastIndexFlush) >= m.cfg.IndexFlushInterval
	dueConfig := time.Since(job.Progress.lastConfigFlush) >= m.cfg.ConfigFlushInterval
	job.Unlock()

	if dueIndex {
		m.flushIndex(job, false)
	}
	if dueConfig {
		m.flushConfig(job, false)
	}
}

// flushIndex writes job's current snapshot into its index entry, widening
// coverage per invariant 3 once the job is terminal.
func (m *Manager) flushIndex(job *Job, force bool) {
	job.Lock()
	snap := job.Progress
	terminal := job.Status != StatusRunning
	job.Progress.lastIndexFlush = time.Now()
	job.Unlock()
	_ = force

	_, err := m.cfg.Index.Upsert(job.Project, job.Target.Mode, job.Target.Name, func(existing *store.IndexEntry) *store.IndexEntry {
		e := store.IndexEntry{}
		if existing != nil {
			e = *existing
		}
		e.Progress = store.Progress{
			Status:         snap.Status,
			Percent:        snap.Percent,
			TotalGenerated: snap.TotalGenerated,
			ExpectedTotal:  snap.ExpectedTotal,
			UpdatedAt:      snap.UpdatedAt,
			Message:        snap.Message,
		}
		e.TileCRS = job.Params.TileCRS
		e.Scheme = job.Params.Scheme
		if terminal {
			if e.Generated.IsZero() {
				// No earlier completed run: the placeholder's zero range is
				// not coverage, so this run's range becomes the coverage.
				e.ZoomMin, e.ZoomMax = job.Params.ZoomMin, job.Params.ZoomMax
			} else {
				e.ZoomMin, e.ZoomMax = store.WidenCoverage(e.ZoomMin, e.ZoomMax, job.Params.ZoomMin, job.Params.ZoomMax)
			}
			e.LastZoomMin, e.LastZoomMax = job.Params.ZoomMin, job.Params.ZoomMax
			e.Partial = job.Status != StatusCompleted
			e.Generated = time.Now()
		} else {
			e.Partial = true
		}
		e.Updated = time.Now()
		return &e
	})
	if err != nil {
		m.logger.Error("batch: flush index failed", "project", job.Project, "target", job.Target.Name, "error", err)
	}
}

// flushConfig records the layer/theme's lastRunAt, lastJobId and
// lastParams and, on terminal status, the run's outcome in the project
// config (spec.md §4.3). No progress figures (status, percent, tile
// counts) are written to the config; those live in the index. History
// append/trim (invariant 4/5) happens here rather than inside
// ConfigStore.Update, since the store's deep-merge replaces arrays
// wholesale — the caller supplies the already-appended, already-trimmed
// array.
func (m *Manager) flushConfig(job *Job, force bool) {
	_ = force
	job.Lock()
	status := job.Status
	message := job.Progress.Message
	job.Progress.lastConfigFlush = time.Now()
	job.Unlock()

	var history store.History
	if status != StatusRunning {
		current, err := m.cfg.Configs.Load(job.Project)
		if err != nil {
			m.logger.Error("batch: load config for history append failed", "project", job.Project, "error", err)
		} else {
			history = existingSchedule(current, job.Target).History
		}
	}

	_, err := m.cfg.Configs.Update(job.Project, configPatch(job, status, message, history))
	if err != nil {
		m.logger.Error("batch: flush config failed", "project", job.Project, "target", job.Target.Name, "error", err)
	}
}

func existingSchedule(cfg store.ProjectConfig, t Target) store.LayerState {
	if t.Mode == "theme" {
		return cfg.Themes[t.Name]
	}
	return cfg.Layers[t.Name]
}

// configPatch builds the deep-merge patch for ConfigStore.Update: only the
// touched layer/theme's state, leaving everything else untouched.
func configPatch(job *Job, status JobStatus, message string, history store.History) map[string]any {
	now := time.Now()
	state := map[string]any{
		"lastRunAt":  now,
		"lastJobId":  job.ID,
		"lastParams": job.Params,
	}
	if status != StatusRunning {
		state["lastResult"] = string(status)
		if message != "" {
			state["lastMessage"] = message
		}
		state["history"] = history.Append(store.HistoryEntry{At: now, Status: string(status), Message: message})
	}

	bucket := "layers"
	if job.Target.Mode == "theme" {
		bucket = "themes"
	}
	return map[string]any{bucket: map[string]any{job.Target.Name: state}}
}

// flushFinal performs the forced flush spec.md §4.3 requires on subprocess
// close, after finishJob has already updated job.Status/Progress.
func (m *Manager) flushFinal(job *Job) {
	m.flushIndex(job, true)
	m.flushConfig(job, true)
}
