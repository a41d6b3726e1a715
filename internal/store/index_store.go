package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// IndexStore persists cache/<projectId>/index.json (spec.md §4.5).
type IndexStore struct {
	cacheDir string
	locks    *projectLocks
}

// NewIndexStore roots the store at cacheDir; each project's index lives at
// cacheDir/<projectId>/index.json.
func NewIndexStore(cacheDir string) *IndexStore {
	return &IndexStore{cacheDir: cacheDir, locks: newProjectLocks()}
}

func (s *IndexStore) path(projectID string) string {
	return filepath.Join(s.cacheDir, projectID, "index.json")
}

// Load returns the project's index, or an empty skeleton if no file exists
// yet.
func (s *IndexStore) Load(projectID string) (ProjectIndex, error) {
	var idx ProjectIndex
	err := readJSON(s.path(projectID), &idx)
	if os.IsNotExist(err) {
		return ProjectIndex{
			ID:        projectID,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
			Layers:    []IndexEntry{},
		}, nil
	}
	if err != nil {
		return ProjectIndex{}, fmt.Errorf("store: load index %s: %w", projectID, err)
	}
	return idx, nil
}

// Save performs a full rewrite of the project's index, stamping UpdatedAt.
func (s *IndexStore) Save(projectID string, idx ProjectIndex) error {
	lock := s.locks.get(projectID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(projectID, idx)
}

func (s *IndexStore) saveLocked(projectID string, idx ProjectIndex) error {
	idx.UpdatedAt = time.Now()
	if idx.CreatedAt.IsZero() {
		idx.CreatedAt = idx.UpdatedAt
	}
	return writeJSONAtomic(s.path(projectID), idx)
}

// Updater receives the existing entry for (kind, name), or nil if absent,
// and returns the new entry. Returning nil deletes the entry.
type Updater func(existing *IndexEntry) *IndexEntry

// Upsert reads the index, removes any existing (kind, name) entry, applies
// updater, and appends the result (if non-nil) back in. name/kind on the
// returned entry are re-stamped by the store so callers can't desync them
// from the lookup key.
func (s *IndexStore) Upsert(projectID, kind, name string, updater Updater) (ProjectIndex, error) {
	lock := s.locks.get(projectID)
	lock.Lock()
	defer lock.Unlock()

	idx, err := s.Load(projectID)
	if err != nil {
		return ProjectIndex{}, err
	}

	var existing *IndexEntry
	filtered := idx.Layers[:0]
	for i := range idx.Layers {
		e := idx.Layers[i]
		if e.Kind == kind && e.Name == name {
			cp := e
			existing = &cp
			continue
		}
		filtered = append(filtered, e)
	}
	idx.Layers = filtered

	updated := updater(existing)
	if updated != nil {
		updated.Kind = kind
		updated.Name = name
		idx.Layers = append(idx.Layers, *updated)
	}

	if err := s.saveLocked(projectID, idx); err != nil {
		return ProjectIndex{}, err
	}
	return idx, nil
}

// WidenCoverage applies invariant 3 of spec.md §3/§8: coverage never
// shrinks except by explicit delete.
func WidenCoverage(prevMin, prevMax, runMin, runMax int) (min, max int) {
	min, max = runMin, runMax
	if prevMin < min {
		min = prevMin
	}
	if prevMax > max {
		max = prevMax
	}
	return min, max
}

// ListProjects returns every project ID with a cache directory on disk,
// used by the scheduler's RescheduleAll and by the admin ListProjects
// endpoint.
func (s *IndexStore) ListProjects() ([]string, error) {
	entries, err := os.ReadDir(s.cacheDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list projects: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes a project's entire index file and forgets its lock, used
// by project deletion (spec.md §5 "Project delete takes an exclusive view
// of the project").
func (s *IndexStore) Delete(projectID string) error {
	lock := s.locks.get(projectID)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.locks.forget(projectID)
	}()
	err := os.Remove(s.path(projectID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete index %s: %w", projectID, err)
	}
	return nil
}
