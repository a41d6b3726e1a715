package tilegrid

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
)

// reloadDebounce matches spec.md §4.7/§9: batch filesystem-watch events
// before rebuilding the in-memory preset map.
const reloadDebounce = 200 * time.Millisecond

// Registry is the Tile Grid Registry (spec.md §4.7): an in-memory cache of
// tile-matrix presets loaded from disk, hot-reloaded on directory change,
// and able to auto-generate a preset for a CRS not otherwise covered.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	presets map[string]*Preset

	normalized *lru.Cache[string, *Preset]

	watcher *fsnotify.Watcher
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewRegistry loads every *.json preset under dir and starts a filesystem
// watch for hot reload. dir is created if missing.
func NewRegistry(dir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tilegrid: create presets dir: %w", err)
	}

	cache, err := lru.New[string, *Preset](256)
	if err != nil {
		return nil, fmt.Errorf("tilegrid: create normalized cache: %w", err)
	}

	r := &Registry{
		dir:        dir,
		logger:     logger,
		presets:    make(map[string]*Preset),
		normalized: cache,
		closeCh:    make(chan struct{}),
	}

	if err := r.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tilegrid: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("tilegrid: watch presets dir: %w", err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go r.watchLoop()

	return r, nil
}

// Close stops the filesystem watch.
func (r *Registry) Close() error {
	close(r.closeCh)
	err := r.watcher.Close()
	r.wg.Wait()
	return err
}

func (r *Registry) watchLoop() {
	defer r.wg.Done()

	var timer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case <-r.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(reloadDebounce)
			}
			timerCh = timer.C
		case <-timerCh:
			if err := r.reload(); err != nil {
				r.logger.Error("tile grid registry reload failed", "error", err)
			} else {
				r.logger.Info("tile grid registry reloaded", "dir", r.dir)
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("tile grid registry watch error", "error", err)
		}
	}
}

// reload re-reads every preset file from disk and swaps the map atomically.
func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("tilegrid: read presets dir: %w", err)
	}

	fresh := make(map[string]*Preset, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("tile grid registry: skip unreadable preset", "path", path, "error", err)
			continue
		}
		var p Preset
		if err := json.Unmarshal(data, &p); err != nil {
			r.logger.Warn("tile grid registry: skip invalid preset JSON", "path", path, "error", err)
			continue
		}
		if err := p.Validate(); err != nil {
			r.logger.Warn("tile grid registry: skip invalid preset", "path", path, "error", err)
			continue
		}
		fresh[p.ID] = &p
	}

	r.mu.Lock()
	r.presets = fresh
	r.mu.Unlock()

	// Invalidate derived caches; see spec.md §9 "invalidate derived caches".
	r.normalized.Purge()

	return nil
}

// Get returns a preset by id.
func (r *Registry) Get(id string) (*Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.presets[id]
	return p, ok
}

// All returns a snapshot of every known preset.
func (r *Registry) All() []*Preset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Preset, 0, len(r.presets))
	for _, p := range r.presets {
		out = append(out, p)
	}
	return out
}

// FindPresetForCrs does a case-insensitive match of crs against every
// preset's supported_crs list (spec.md §4.7).
func (r *Registry) FindPresetForCrs(crs string) (*Preset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.presets {
		if p.SupportsCRS(crs) {
			return p, true
		}
	}
	return nil, false
}

// Normalized returns preset id with its Matrices sorted ascending by Z,
// memoized until the next reload or auto-generation invalidates it. This is
// the "normalized matrix set" cache spec.md §4.7/§9 calls for.
func (r *Registry) Normalized(id string) (*Preset, bool) {
	if cached, ok := r.normalized.Get(id); ok {
		return cached, true
	}

	p, ok := r.Get(id)
	if !ok {
		return nil, false
	}

	norm := *p
	norm.Matrices = append([]Matrix(nil), p.Matrices...)
	sort.Slice(norm.Matrices, func(i, j int) bool { return norm.Matrices[i].Z < norm.Matrices[j].Z })

	r.normalized.Add(id, &norm)
	return &norm, true
}

// AutoGeneratePreset builds and persists a 23-level power-of-two grid for a
// CRS/extent not covered by any existing preset (spec.md §4.7). The result
// is saved as "<sanitizedCrs>_<sanitizedProjectId>.json" and registered.
func (r *Registry) AutoGeneratePreset(crs string, extent Extent, projectID string) (*Preset, error) {
	if !extent.Valid() {
		return nil, fmt.Errorf("tilegrid: invalid extent %s for auto-generated preset", extent)
	}

	const tileSize = 256
	p := &Preset{
		ID:            fmt.Sprintf("%s_%s", sanitizeForFilename(crs), sanitizeForFilename(projectID)),
		SupportedCRS:  []string{crs},
		TileWidth:     tileSize,
		TileHeight:    tileSize,
		TopLeftCorner: [2]float64{extent[0], extent[3]},
		AxisOrder:     "xy",
		Matrices:      autoGenerateLevels(extent, tileSize),
		AutoGenerated: true,
		ProjectID:     projectID,
	}

	if err := r.savePreset(p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.presets[p.ID] = p
	r.mu.Unlock()
	r.normalized.Remove(p.ID)

	return p, nil
}

// RemoveAutoGenerated deletes every on-disk preset with
// auto_generated=true && project_id=projectID, per invariant 6 of spec.md §3.
func (r *Registry) RemoveAutoGenerated(projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.presets {
		if p.AutoGenerated && p.ProjectID == projectID {
			path := filepath.Join(r.dir, id+".json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("tilegrid: remove auto-generated preset %s: %w", id, err)
			}
			delete(r.presets, id)
			r.normalized.Remove(id)
		}
	}
	return nil
}

func (r *Registry) savePreset(p *Preset) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("tilegrid: marshal preset %s: %w", p.ID, err)
	}
	path := filepath.Join(r.dir, p.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("tilegrid: write preset %s: %w", p.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("tilegrid: rename preset %s: %w", p.ID, err)
	}
	return nil
}
