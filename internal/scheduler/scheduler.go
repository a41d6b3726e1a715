// Package scheduler implements the Scheduler of spec.md §4.4: it computes
// next-run timestamps for weekly/monthly/yearly recache schedules, arms one
// timer per project at the earliest due time, and fires due batch jobs in
// order, re-arming itself afterward. A heartbeat loop recovers from missed
// or drifted timers.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/batch"
	"github.com/tileserv/coretiles/internal/metrics"
	"github.com/tileserv/coretiles/internal/store"
)

// MaxTimerDelay is MAX_TIMER_DELAY_MS's default (spec.md §4.4): roughly
// the largest delay a single-fire timer should be armed with before it's
// clamped and re-armed on fire, mirroring the ~24.8-day ceiling of a
// JS-style 32-bit millisecond setTimeout that spec.md's origin system
// relied on.
const MaxTimerDelay = 24*24*time.Hour + 20*time.Hour // ~24.8 days

// Config configures a Scheduler.
type Config struct {
	Index   *store.IndexStore
	Configs *store.ConfigStore
	Batch   *batch.Manager
	Logger  *slog.Logger

	// HeartbeatInterval is SCHEDULE_HEARTBEAT_INTERVAL_MS's default (60s).
	HeartbeatInterval time.Duration
	// OverdueGrace is SCHEDULE_OVERDUE_GRACE_MS's default (5s): how far
	// past its armed target a project may drift before Heartbeat force-
	// fires it.
	OverdueGrace time.Duration
	// DueTolerance bounds how far into the future a next-run may be and
	// still be treated as due "now" when a timer fires (default 60s),
	// letting multiple near-simultaneous schedules batch into one fire.
	DueTolerance time.Duration
}

type armedTimer struct {
	timer  *time.Timer
	target time.Time
}

// Scheduler is the spec.md §4.4 Scheduler: one armed timer per project,
// recomputed from that project's config on every arm/fire.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*armedTimer
}

// New builds a Scheduler from cfg, defaulting unset intervals.
func New(cfg Config) *Scheduler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.OverdueGrace <= 0 {
		cfg.OverdueGrace = 5 * time.Second
	}
	if cfg.DueTolerance <= 0 {
		cfg.DueTolerance = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, logger: logger, timers: make(map[string]*armedTimer)}
}

// Run starts the heartbeat loop; it blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.RescheduleAll(); err != nil {
		s.logger.Error("scheduler: initial reschedule failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.Heartbeat()
		}
	}
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.timers {
		at.timer.Stop()
		delete(s.timers, id)
	}
}

// RescheduleAll arms every project with a cache directory on disk (spec.md
// §4.4 "iterate all known projects at startup").
func (s *Scheduler) RescheduleAll() error {
	ids, err := s.cfg.Index.ListProjects()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.ScheduleProject(id); err != nil {
			s.logger.Error("scheduler: schedule project failed", "project", id, "error", err)
		}
	}
	return nil
}

// ScheduleProject recomputes the earliest next-run across every per-layer,
// per-theme, and (fallback-only) legacy schedule, cancels any existing
// timer, and arms one timer at that instant, clamped to MaxTimerDelay.
func (s *Scheduler) ScheduleProject(projectID string) error {
	cfg, err := s.cfg.Configs.Load(projectID)
	if err != nil {
		return err
	}

	earliest, hasAny := s.earliestNextRun(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.timers[projectID]; ok {
		existing.timer.Stop()
		delete(s.timers, projectID)
	}
	if !hasAny {
		return nil
	}

	now := time.Now()
	delay := earliest.Sub(now)
	if delay < 0 {
		delay = 0
	}
	if delay > MaxTimerDelay {
		delay = MaxTimerDelay
	}

	s.timers[projectID] = &armedTimer{
		target: earliest,
		timer: time.AfterFunc(delay, func() {
			s.fire(projectID)
		}),
	}
	metrics.ScheduledProjects.Set(float64(len(s.timers)))
	return nil
}

// earliestNextRun scans cfg for the soonest due timestamp. Per-layer and
// per-theme schedules always participate; the legacy project-scope
// Recache schedule participates only as a fallback, when no per-layer or
// per-theme schedule is enabled (decided Open Question, spec.md §4.4
// area).
func (s *Scheduler) earliestNextRun(cfg store.ProjectConfig) (time.Time, bool) {
	var earliest time.Time
	found := false
	anyPerLayerEnabled := false

	consider := func(t *time.Time, enabled bool) {
		if enabled {
			anyPerLayerEnabled = true
		}
		if t == nil {
			return
		}
		if !found || t.Before(earliest) {
			earliest = *t
			found = true
		}
	}

	for _, layer := range cfg.Layers {
		consider(layer.Schedule.NextRunAt, layer.Schedule.Enabled)
	}
	for _, theme := range cfg.Themes {
		consider(theme.Schedule.NextRunAt, theme.Schedule.Enabled)
	}

	if !anyPerLayerEnabled && cfg.Recache.Enabled {
		next := legacyNextRun(cfg.Recache, time.Now())
		consider(next, true)
	}

	return earliest, found
}

type dueItem struct {
	kind   string // "layer" | "theme" | "project"
	name   string
	nextTs time.Time
}

// fire runs every item due within DueTolerance, sequentially in ascending
// order by next-run time, then re-arms via ScheduleProject.
func (s *Scheduler) fire(projectID string) {
	cfg, err := s.cfg.Configs.Load(projectID)
	if err != nil {
		s.logger.Error("scheduler: load config on fire failed", "project", projectID, "error", err)
		return
	}

	cutoff := time.Now().Add(s.cfg.DueTolerance)
	var due []dueItem

	anyPerLayerEnabled := false
	for name, layer := range cfg.Layers {
		if layer.Schedule.Enabled {
			anyPerLayerEnabled = true
		}
		if layer.Schedule.Enabled && layer.Schedule.NextRunAt != nil && !layer.Schedule.NextRunAt.After(cutoff) {
			due = append(due, dueItem{kind: "layer", name: name, nextTs: *layer.Schedule.NextRunAt})
		}
	}
	for name, theme := range cfg.Themes {
		if theme.Schedule.Enabled {
			anyPerLayerEnabled = true
		}
		if theme.Schedule.Enabled && theme.Schedule.NextRunAt != nil && !theme.Schedule.NextRunAt.After(cutoff) {
			due = append(due, dueItem{kind: "theme", name: name, nextTs: *theme.Schedule.NextRunAt})
		}
	}
	if !anyPerLayerEnabled && cfg.Recache.Enabled {
		if next := legacyNextRun(cfg.Recache, time.Now()); next != nil && !next.After(cutoff) {
			due = append(due, dueItem{kind: "project", nextTs: *next})
		}
	}

	sort.Slice(due, func(i, j int) bool { return due[i].nextTs.Before(due[j].nextTs) })

	for _, item := range due {
		s.runDueItem(projectID, item)
		metrics.ScheduleFiresTotal.WithLabelValues(item.kind).Inc()
	}

	if err := s.ScheduleProject(projectID); err != nil {
		s.logger.Error("scheduler: re-arm after fire failed", "project", projectID, "error", err)
	}
}

// runDueItem executes one due layer, theme, or legacy project-level
// schedule entry as a batch job (spec.md §4.4 firing steps 1-4), blocking
// until it completes so items run strictly in order.
func (s *Scheduler) runDueItem(projectID string, item dueItem) {
	switch item.kind {
	case "layer", "theme":
		s.runScheduledTarget(projectID, batch.Target{Mode: item.kind, Name: item.name})
	case "project":
		s.runScheduledProject(projectID)
	}
}

func (s *Scheduler) runScheduledTarget(projectID string, target batch.Target) {
	cfg, err := s.cfg.Configs.Load(projectID)
	if err != nil {
		s.logger.Error("scheduler: load config for fire failed", "project", projectID, "target", target.Name, "error", err)
		return
	}
	state := cfg.Layers[target.Name]
	if target.Mode == "theme" {
		state = cfg.Themes[target.Name]
	}
	sched := state.Schedule

	zoomMin, zoomMax := cfg.Zoom.Min, cfg.Zoom.Max
	tileCRS := cfg.CachePreferences.TileCRS
	scheme := cfg.CachePreferences.Mode
	hasOverride := sched.ZoomMin != nil && sched.ZoomMax != nil
	if hasOverride {
		zoomMin, zoomMax = *sched.ZoomMin, *sched.ZoomMax
	}
	if idx, err := s.cfg.Index.Load(projectID); err == nil {
		if e, ok := idx.FindEntry(target.Mode, target.Name); ok {
			if !hasOverride {
				zoomMin, zoomMax = e.ZoomMin, e.ZoomMax
			}
			if tileCRS == "" {
				tileCRS = e.TileCRS
			}
			if scheme == "" {
				scheme = e.Scheme
			}
		}
	}

	if !hasOverride {
		if err := s.cfg.Batch.PurgeTargetCache(projectID, target); err != nil {
			s.logger.Warn("scheduler: purge before scheduled recache failed", "project", projectID, "target", target.Name, "error", err)
		}
	}

	status, message := s.runAndAwait(projectID, target, zoomMin, zoomMax, tileCRS, scheme)
	s.recordScheduleResult(projectID, target, status, message)
}

func (s *Scheduler) runAndAwait(projectID string, target batch.Target, zoomMin, zoomMax int, tileCRS, scheme string) (string, string) {
	job, err := s.cfg.Batch.StartJob(batch.JobParams{
		Project: projectID,
		Target:  target,
		ZoomMin: zoomMin, ZoomMax: zoomMax,
		TileCRS: tileCRS, Scheme: scheme,
		RecacheHint: "full",
		RunReason:   "scheduled",
		Trigger:     "timer",
	})
	if err != nil {
		return "error", err.Error()
	}
	<-job.Done()
	job.Lock()
	status, message := string(job.Status), job.Progress.Message
	job.Unlock()
	return status, message
}

func (s *Scheduler) recordScheduleResult(projectID string, target batch.Target, status, message string) {
	now := time.Now()
	cfg, err := s.cfg.Configs.Load(projectID)
	if err != nil {
		s.logger.Error("scheduler: load config for history append failed", "project", projectID, "error", err)
		return
	}
	state := cfg.Layers[target.Name]
	if target.Mode == "theme" {
		state = cfg.Themes[target.Name]
	}
	history := state.Schedule.History.Append(store.HistoryEntry{At: now, Status: status, Message: message})

	bucket := "layers"
	if target.Mode == "theme" {
		bucket = "themes"
	}
	patch := map[string]any{
		bucket: map[string]any{
			target.Name: map[string]any{
				"schedule": map[string]any{
					"lastRunAt":   now,
					"lastResult":  status,
					"lastMessage": message,
					"history":     history,
				},
			},
		},
	}
	if _, err := s.cfg.Configs.Update(projectID, patch); err != nil {
		s.logger.Error("scheduler: record schedule result failed", "project", projectID, "target", target.Name, "error", err)
	}
}

func (s *Scheduler) runScheduledProject(projectID string) {
	run, err := s.cfg.Batch.StartProjectRun(projectID, "scheduled", nil, "")
	status, message := "error", ""
	if err != nil {
		message = err.Error()
		if apiErr, ok := apierr.As(err); ok {
			message = apiErr.Code
		}
	} else {
		run.Wait()
		snap, gerr := s.cfg.Batch.GetProjectRun(projectID)
		if gerr == nil {
			status = string(snap.Status)
			if len(snap.Failures) > 0 {
				message = snap.Failures[0]
			}
		}
	}

	now := time.Now()
	cfg, cerr := s.cfg.Configs.Load(projectID)
	if cerr != nil {
		s.logger.Error("scheduler: load config for legacy history append failed", "project", projectID, "error", cerr)
		return
	}
	history := cfg.Recache.History.Append(store.HistoryEntry{At: now, Status: status, Message: message})
	patch := map[string]any{
		"recache": map[string]any{
			"lastRunAt":   now,
			"lastResult":  status,
			"lastMessage": message,
			"history":     history,
		},
	}
	if _, err := s.cfg.Configs.Update(projectID, patch); err != nil {
		s.logger.Error("scheduler: record legacy schedule result failed", "project", projectID, "error", err)
	}
}

// Heartbeat force-fires any project whose armed target has drifted past
// OverdueGrace, and arms any project with an enabled schedule but no
// current timer (spec.md §4.4).
func (s *Scheduler) Heartbeat() {
	now := time.Now()

	var overdue []string
	s.mu.Lock()
	for id, at := range s.timers {
		if now.Sub(at.target) > s.cfg.OverdueGrace {
			overdue = append(overdue, id)
		}
	}
	s.mu.Unlock()

	for _, id := range overdue {
		s.logger.Warn("scheduler: timer overdue, force-firing", "project", id)
		s.fire(id)
	}

	ids, err := s.cfg.Index.ListProjects()
	if err != nil {
		s.logger.Error("scheduler: heartbeat list projects failed", "error", err)
		return
	}
	for _, id := range ids {
		s.mu.Lock()
		_, armed := s.timers[id]
		s.mu.Unlock()
		if armed {
			continue
		}
		cfg, err := s.cfg.Configs.Load(id)
		if err != nil {
			continue
		}
		if _, hasAny := s.earliestNextRun(cfg); hasAny {
			if err := s.ScheduleProject(id); err != nil {
				s.logger.Error("scheduler: heartbeat arm failed", "project", id, "error", err)
			}
		}
	}
}
