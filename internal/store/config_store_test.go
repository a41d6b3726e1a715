package store

import (
	"testing"
	"time"
)

func TestConfigStore_LoadMissingReturnsSkeleton(t *testing.T) {
	s, err := NewConfigStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}
	cfg, err := s.Load("demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Layers == nil || cfg.Themes == nil {
		t.Fatalf("expected initialized maps, got %+v", cfg)
	}
}

func TestConfigStore_UpdateDeepMergesAndPreservesCreatedAt(t *testing.T) {
	s, err := NewConfigStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}

	first, err := s.Update("demo", map[string]any{
		"cachePreferences": map[string]any{"mode": "xyz", "tileCrs": "EPSG:3857"},
	})
	if err != nil {
		t.Fatalf("Update 1: %v", err)
	}
	if first.CachePreferences.Mode != "xyz" {
		t.Fatalf("expected mode=xyz, got %+v", first.CachePreferences)
	}
	createdAt := first.CreatedAt

	second, err := s.Update("demo", map[string]any{
		"cachePreferences": map[string]any{"allowRemote": true},
	})
	if err != nil {
		t.Fatalf("Update 2: %v", err)
	}

	// Deep merge: tileCrs from the first patch must survive a second patch
	// that only touches allowRemote.
	if second.CachePreferences.TileCRS != "EPSG:3857" {
		t.Fatalf("expected tileCrs preserved by deep merge, got %+v", second.CachePreferences)
	}
	if !second.CachePreferences.AllowRemote {
		t.Fatalf("expected allowRemote=true from second patch")
	}
	if !second.CreatedAt.Equal(createdAt) {
		t.Fatalf("expected createdAt preserved across updates")
	}
}

func TestConfigStore_UpdateEmptyPatchIsNoopModuloUpdatedAt(t *testing.T) {
	s, err := NewConfigStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}

	before, err := s.Update("demo", map[string]any{
		"zoom": map[string]any{"min": 2, "max": 12},
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	after, err := s.Update("demo", map[string]any{})
	if err != nil {
		t.Fatalf("Update empty: %v", err)
	}

	if after.Zoom.Min != before.Zoom.Min || after.Zoom.Max != before.Zoom.Max {
		t.Fatalf("expected zoom unchanged by empty patch, before=%+v after=%+v", before.Zoom, after.Zoom)
	}
}

func TestConfigStore_HistoryTrimmedTo25(t *testing.T) {
	s, err := NewConfigStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}

	cfg, err := s.Load("demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := 0; i < 30; i++ {
		cfg.Recache.History = cfg.Recache.History.Append(HistoryEntry{At: time.Now(), Status: "success"})
	}
	if err := s.Save("demo", cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := s.Load("demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Recache.History) != maxHistoryEntries {
		t.Fatalf("expected history trimmed to %d, got %d", maxHistoryEntries, len(reloaded.Recache.History))
	}
}

func TestConfigStore_NextRunRecomputedOnSave(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	nextRun := func(s Schedule, now time.Time) *time.Time {
		t := now.Add(time.Hour)
		return &t
	}
	s, err := NewConfigStore(t.TempDir(), nextRun)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}

	cfg, _ := s.Load("demo")
	cfg.Layers["orto"] = LayerState{Schedule: Schedule{Enabled: true, Mode: "weekly"}}
	if err := s.Save("demo", cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, _ := s.Load("demo")
	sched := reloaded.Layers["orto"].Schedule
	if sched.NextRunAt == nil {
		t.Fatalf("expected NextRunAt to be recomputed")
	}
	if !sched.NextRunAt.After(fixed) {
		t.Fatalf("expected recomputed NextRunAt in the future, got %v", sched.NextRunAt)
	}

	// Disabling a schedule must null out NextRunAt.
	cfg2, _ := s.Load("demo")
	layer := cfg2.Layers["orto"]
	layer.Schedule.Enabled = false
	cfg2.Layers["orto"] = layer
	if err := s.Save("demo", cfg2); err != nil {
		t.Fatalf("Save 2: %v", err)
	}
	reloaded2, _ := s.Load("demo")
	if reloaded2.Layers["orto"].Schedule.NextRunAt != nil {
		t.Fatalf("expected NextRunAt nulled out when disabled")
	}
}
