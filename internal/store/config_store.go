package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NextRunFunc recomputes a schedule's nextRunAt given the current time. The
// config store is schedule-computation-agnostic; internal/scheduler
// supplies the real implementation at wiring time so this package never
// needs to import it.
type NextRunFunc func(s Schedule, now time.Time) *time.Time

// ConfigStore persists cache/<projectId>/project-config.json (spec.md
// §4.6), on top of the same atomic-write/per-project-lock discipline as
// IndexStore, plus deep-merge Update semantics and an in-memory LRU of the
// most recently touched configs.
type ConfigStore struct {
	cacheDir string
	locks    *projectLocks
	cache    *lru.Cache[string, *ProjectConfig]
	nextRun  NextRunFunc
}

// NewConfigStore roots the store at cacheDir. nextRun may be nil, in which
// case nextRunAt recomputation is skipped (useful in tests that don't care
// about scheduling).
func NewConfigStore(cacheDir string, nextRun NextRunFunc) (*ConfigStore, error) {
	cache, err := lru.New[string, *ProjectConfig](256)
	if err != nil {
		return nil, fmt.Errorf("store: create config cache: %w", err)
	}
	return &ConfigStore{cacheDir: cacheDir, locks: newProjectLocks(), cache: cache, nextRun: nextRun}, nil
}

func (s *ConfigStore) path(projectID string) string {
	return filepath.Join(s.cacheDir, projectID, "project-config.json")
}

// Load returns the project's config, or an empty skeleton if no file
// exists yet. Served from the in-memory cache when present.
func (s *ConfigStore) Load(projectID string) (ProjectConfig, error) {
	if cached, ok := s.cache.Get(projectID); ok {
		return *cached, nil
	}

	var cfg ProjectConfig
	err := readJSON(s.path(projectID), &cfg)
	if os.IsNotExist(err) {
		now := time.Now()
		cfg = ProjectConfig{CreatedAt: now, UpdatedAt: now}
	} else if err != nil {
		return ProjectConfig{}, fmt.Errorf("store: load config %s: %w", projectID, err)
	}
	if cfg.Layers == nil {
		cfg.Layers = map[string]LayerState{}
	}
	if cfg.Themes == nil {
		cfg.Themes = map[string]ThemeState{}
	}

	s.cache.Add(projectID, &cfg)
	return cfg, nil
}

// Save performs a full rewrite, stamping UpdatedAt and recomputing every
// layer and theme schedule's nextRunAt (spec.md §4.6).
func (s *ConfigStore) Save(projectID string, cfg ProjectConfig) error {
	lock := s.locks.get(projectID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(projectID, cfg)
}

func (s *ConfigStore) saveLocked(projectID string, cfg ProjectConfig) error {
	now := time.Now()
	cfg.UpdatedAt = now
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}

	for name, layer := range cfg.Layers {
		layer.Schedule = s.recomputeNextRun(layer.Schedule, now)
		layer.Schedule.History = trimHistory(layer.Schedule.History)
		cfg.Layers[name] = layer
	}
	for name, theme := range cfg.Themes {
		theme.Schedule = s.recomputeNextRun(theme.Schedule, now)
		theme.Schedule.History = trimHistory(theme.Schedule.History)
		cfg.Themes[name] = theme
	}
	cfg.Recache.History = trimHistory(cfg.Recache.History)
	cfg.ProjectCache.History = trimHistory(cfg.ProjectCache.History)

	if err := writeJSONAtomic(s.path(projectID), cfg); err != nil {
		return err
	}
	s.cache.Add(projectID, &cfg)
	return nil
}

func (s *ConfigStore) recomputeNextRun(sched Schedule, now time.Time) Schedule {
	if !sched.Enabled || s.nextRun == nil {
		sched.NextRunAt = nil
		return sched
	}
	sched.NextRunAt = s.nextRun(sched, now)
	return sched
}

func trimHistory(h History) History {
	if len(h) <= maxHistoryEntries {
		return h
	}
	return append(History(nil), h[len(h)-maxHistoryEntries:]...)
}

// Update reads the current config, deep-merges patch on top (primitives
// and arrays replace, objects recurse, createdAt is preserved), and saves
// the result. patch is interpreted the same way json.Unmarshal interprets
// a JSON object: pass a map[string]any or a struct with matching tags.
func (s *ConfigStore) Update(projectID string, patch any) (ProjectConfig, error) {
	lock := s.locks.get(projectID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Load(projectID)
	if err != nil {
		return ProjectConfig{}, err
	}

	merged, err := deepMergeConfig(current, patch)
	if err != nil {
		return ProjectConfig{}, fmt.Errorf("store: merge config patch for %s: %w", projectID, err)
	}
	merged.CreatedAt = current.CreatedAt

	if err := s.saveLocked(projectID, merged); err != nil {
		return ProjectConfig{}, err
	}
	return merged, nil
}

// deepMergeConfig round-trips current and patch through generic
// map[string]any trees, merges them (patch wins, objects recurse), and
// unmarshals the result back into a ProjectConfig.
func deepMergeConfig(current ProjectConfig, patch any) (ProjectConfig, error) {
	currentRaw, err := json.Marshal(current)
	if err != nil {
		return ProjectConfig{}, err
	}
	var currentTree map[string]any
	if err := json.Unmarshal(currentRaw, &currentTree); err != nil {
		return ProjectConfig{}, err
	}

	patchRaw, err := json.Marshal(patch)
	if err != nil {
		return ProjectConfig{}, err
	}
	var patchTree map[string]any
	if err := json.Unmarshal(patchRaw, &patchTree); err != nil {
		return ProjectConfig{}, err
	}

	merged := deepMergeMap(currentTree, patchTree)

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return ProjectConfig{}, err
	}
	var out ProjectConfig
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return ProjectConfig{}, err
	}
	return out, nil
}

// deepMergeMap merges patch into base: nested objects recurse, everything
// else (primitives, arrays, type mismatches) is replaced wholesale by
// patch's value.
func deepMergeMap(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		bv, exists := out[k]
		bm, bIsMap := bv.(map[string]any)
		pm, pIsMap := pv.(map[string]any)
		if exists && bIsMap && pIsMap {
			out[k] = deepMergeMap(bm, pm)
		} else {
			out[k] = pv
		}
	}
	return out
}

// Evict drops projectID from the in-memory cache, called on project
// delete (spec.md §4.6 "evicted on project delete").
func (s *ConfigStore) Evict(projectID string) {
	s.cache.Remove(projectID)
}

// Delete removes the config file, evicts the cache entry, and forgets the
// project's lock.
func (s *ConfigStore) Delete(projectID string) error {
	lock := s.locks.get(projectID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.locks.forget(projectID)
	}()

	s.cache.Remove(projectID)
	err := os.Remove(s.path(projectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete config %s: %w", projectID, err)
	}
	return nil
}
