package batch

import (
	"testing"
	"time"

	"github.com/tileserv/coretiles/internal/store"
)

// TestComputeRecachePlan_S3 mirrors spec.md §8 scenario S3: extending
// coverage to a disjoint, higher zoom range plans an incremental run that
// skips existing tiles.
func TestComputeRecachePlan_S3(t *testing.T) {
	existing := &store.IndexEntry{
		ZoomMin: 5, ZoomMax: 8,
		LastZoomMin: 5, LastZoomMax: 8,
		TileCRS:   "EPSG:3857",
		Generated: time.Now(),
	}

	plan := ComputeRecachePlan(existing, 9, 10, "EPSG:3857", "incremental", 0)

	if plan.Mode != "incremental" {
		t.Fatalf("Mode = %q, want incremental", plan.Mode)
	}
	if !plan.SkipExisting {
		t.Fatalf("SkipExisting = false, want true for a disjoint higher range")
	}
}

func TestComputeRecachePlan_NoPreviousRunIsFull(t *testing.T) {
	plan := ComputeRecachePlan(nil, 5, 10, "EPSG:3857", "incremental", 0)
	if plan.Mode != "full" {
		t.Errorf("Mode = %q, want full when no previous run recorded", plan.Mode)
	}
}

// TestComputeRecachePlan_SameRangeIsFull is spec.md §8's round-trip law:
// ComputeRecachePlan(existing, z, z, {incremental}) with existing.lastRange
// == [z,z] and equal CRS yields {mode: full}.
func TestComputeRecachePlan_SameRangeIsFull(t *testing.T) {
	existing := &store.IndexEntry{
		ZoomMin: 5, ZoomMax: 8,
		LastZoomMin: 5, LastZoomMax: 8,
		TileCRS:   "EPSG:3857",
		Generated: time.Now(),
	}
	plan := ComputeRecachePlan(existing, 5, 8, "EPSG:3857", "incremental", 0)
	if plan.Mode != "full" {
		t.Errorf("Mode = %q, want full when requested range equals previous", plan.Mode)
	}
}

func TestComputeRecachePlan_CRSChangeIsFull(t *testing.T) {
	existing := &store.IndexEntry{
		ZoomMin: 5, ZoomMax: 8,
		LastZoomMin: 5, LastZoomMax: 8,
		TileCRS:   "EPSG:3857",
		Generated: time.Now(),
	}
	plan := ComputeRecachePlan(existing, 9, 10, "EPSG:4326", "incremental", 0)
	if plan.Mode != "full" {
		t.Errorf("Mode = %q, want full on CRS change", plan.Mode)
	}
}

func TestComputeRecachePlan_OverlappingRangeDoesNotSkip(t *testing.T) {
	existing := &store.IndexEntry{
		ZoomMin: 5, ZoomMax: 8,
		LastZoomMin: 5, LastZoomMax: 8,
		TileCRS:   "EPSG:3857",
		Generated: time.Now(),
	}
	plan := ComputeRecachePlan(existing, 7, 12, "EPSG:3857", "incremental", 0)
	if plan.Mode != "incremental" {
		t.Fatalf("Mode = %q, want incremental", plan.Mode)
	}
	if plan.SkipExisting {
		t.Errorf("SkipExisting = true, want false for an overlapping range")
	}
}

func TestComputeRecachePlan_OverlapParameterExtendsAdjacency(t *testing.T) {
	existing := &store.IndexEntry{
		ZoomMin: 5, ZoomMax: 8,
		LastZoomMin: 5, LastZoomMax: 8,
		TileCRS:   "EPSG:3857",
		Generated: time.Now(),
	}
	// Disjoint by one zoom level (9 vs previous max 8), but overlap=1
	// treats them as adjacent/overlapping.
	plan := ComputeRecachePlan(existing, 9, 10, "EPSG:3857", "incremental", 1)
	if plan.Mode != "incremental" || plan.SkipExisting {
		t.Errorf("plan = %+v, want {incremental, skipExisting:false} with overlap=1", plan)
	}
}

func TestComputeRecachePlan_NonIncrementalHintAlwaysFull(t *testing.T) {
	existing := &store.IndexEntry{ZoomMin: 5, ZoomMax: 8, LastZoomMin: 5, LastZoomMax: 8, Generated: time.Now()}
	for _, hint := range []string{"full", "", "bogus"} {
		plan := ComputeRecachePlan(existing, 9, 10, "", hint, 0)
		if plan.Mode != "full" {
			t.Errorf("hint %q: Mode = %q, want full", hint, plan.Mode)
		}
	}
}
