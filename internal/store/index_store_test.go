package store

import (
	"testing"
)

func TestIndexStore_LoadMissingReturnsSkeleton(t *testing.T) {
	s := NewIndexStore(t.TempDir())
	idx, err := s.Load("demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if idx.ID != "demo" || len(idx.Layers) != 0 {
		t.Fatalf("expected empty skeleton, got %+v", idx)
	}
}

func TestIndexStore_UpsertAddsAndReplaces(t *testing.T) {
	s := NewIndexStore(t.TempDir())

	_, err := s.Upsert("demo", "layer", "orto", func(existing *IndexEntry) *IndexEntry {
		if existing != nil {
			t.Fatalf("expected no existing entry on first upsert")
		}
		return &IndexEntry{ZoomMin: 5, ZoomMax: 8, TileCRS: "EPSG:3857"}
	})
	if err != nil {
		t.Fatalf("Upsert 1: %v", err)
	}

	idx, err := s.Upsert("demo", "layer", "orto", func(existing *IndexEntry) *IndexEntry {
		if existing == nil {
			t.Fatalf("expected existing entry on second upsert")
		}
		min, max := WidenCoverage(existing.ZoomMin, existing.ZoomMax, 9, 10)
		existing.ZoomMin, existing.ZoomMax = min, max
		existing.LastZoomMin, existing.LastZoomMax = 9, 10
		return existing
	})
	if err != nil {
		t.Fatalf("Upsert 2: %v", err)
	}

	entry, ok := idx.FindEntry("layer", "orto")
	if !ok {
		t.Fatalf("expected entry to exist")
	}
	if entry.ZoomMin != 5 || entry.ZoomMax != 10 {
		t.Fatalf("expected widened coverage [5,10], got [%d,%d]", entry.ZoomMin, entry.ZoomMax)
	}
	if len(idx.Layers) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(idx.Layers))
	}
}

func TestIndexStore_UpsertDelete(t *testing.T) {
	s := NewIndexStore(t.TempDir())

	_, err := s.Upsert("demo", "layer", "orto", func(*IndexEntry) *IndexEntry {
		return &IndexEntry{ZoomMin: 1, ZoomMax: 2}
	})
	if err != nil {
		t.Fatalf("Upsert add: %v", err)
	}

	idx, err := s.Upsert("demo", "layer", "orto", func(existing *IndexEntry) *IndexEntry {
		return nil
	})
	if err != nil {
		t.Fatalf("Upsert delete: %v", err)
	}
	if _, ok := idx.FindEntry("layer", "orto"); ok {
		t.Fatalf("expected entry removed")
	}
}

func TestIndexStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := NewIndexStore(t.TempDir())
	idx, _ := s.Load("demo")
	idx.Layers = append(idx.Layers, IndexEntry{Kind: "layer", Name: "orto", ZoomMin: 3, ZoomMax: 7})

	if err := s.Save("demo", idx); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := s.Load("demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Layers) != 1 || reloaded.Layers[0].ZoomMax != 7 {
		t.Fatalf("expected round-tripped entry, got %+v", reloaded.Layers)
	}
}
