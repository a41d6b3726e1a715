package tilegrid

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePresetFile(t *testing.T, dir string, p *Preset) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal preset: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, p.ID+".json"), data, 0o644); err != nil {
		t.Fatalf("write preset: %v", err)
	}
}

func samplePreset(id string, crs ...string) *Preset {
	return &Preset{
		ID:            id,
		SupportedCRS:  crs,
		TileWidth:     256,
		TileHeight:    256,
		TopLeftCorner: [2]float64{-20037508.34, 20037508.34},
		AxisOrder:     "xy",
		Matrices: []Matrix{
			{Z: 1, Identifier: "1", Resolution: 78271.52, MatrixWidth: 2, MatrixHeight: 2},
			{Z: 0, Identifier: "0", Resolution: 156543.03, MatrixWidth: 1, MatrixHeight: 1},
		},
	}
}

func TestRegistry_LoadAndFind(t *testing.T) {
	dir := t.TempDir()
	writePresetFile(t, dir, samplePreset("webmerc", "EPSG:3857"))

	reg, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	if _, ok := reg.Get("webmerc"); !ok {
		t.Fatalf("expected preset webmerc to be loaded")
	}

	p, ok := reg.FindPresetForCrs("epsg:3857")
	if !ok || p.ID != "webmerc" {
		t.Fatalf("expected case-insensitive CRS match, got %v ok=%v", p, ok)
	}

	if _, ok := reg.FindPresetForCrs("EPSG:4326"); ok {
		t.Fatalf("did not expect a match for an uncovered CRS")
	}
}

func TestRegistry_Normalized_SortsByZoom(t *testing.T) {
	dir := t.TempDir()
	writePresetFile(t, dir, samplePreset("webmerc", "EPSG:3857"))

	reg, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	norm, ok := reg.Normalized("webmerc")
	if !ok {
		t.Fatalf("expected normalized preset")
	}
	if norm.Matrices[0].Z != 0 || norm.Matrices[1].Z != 1 {
		t.Fatalf("expected matrices sorted by Z ascending, got %+v", norm.Matrices)
	}

	// Underlying preset's matrix order is left untouched.
	raw, _ := reg.Get("webmerc")
	if raw.Matrices[0].Z != 1 {
		t.Fatalf("Normalized must not mutate the source preset")
	}
}

func TestRegistry_AutoGeneratePreset(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	extent := Extent{0, 0, 1000, 2000}
	p, err := reg.AutoGeneratePreset("EPSG:3006", extent, "demo")
	if err != nil {
		t.Fatalf("AutoGeneratePreset: %v", err)
	}

	if !p.AutoGenerated || p.ProjectID != "demo" {
		t.Fatalf("expected auto_generated=true project_id=demo, got %+v", p)
	}
	if len(p.Matrices) != 23 {
		t.Fatalf("expected 23 levels, got %d", len(p.Matrices))
	}
	// level 0 must fit the larger dimension (height=2000) in one 256px tile.
	wantRes := 2000.0 / 256.0
	if p.Matrices[0].Resolution != wantRes {
		t.Fatalf("expected level 0 resolution %.4f, got %.4f", wantRes, p.Matrices[0].Resolution)
	}
	if p.Matrices[0].MatrixWidth != 1 || p.Matrices[22].MatrixWidth != 1<<22 {
		t.Fatalf("expected power-of-two matrix dimensions, got %+v", p.Matrices[22])
	}

	if _, err := os.Stat(filepath.Join(dir, p.ID+".json")); err != nil {
		t.Fatalf("expected preset file on disk: %v", err)
	}

	if err := reg.RemoveAutoGenerated("demo"); err != nil {
		t.Fatalf("RemoveAutoGenerated: %v", err)
	}
	if _, ok := reg.Get(p.ID); ok {
		t.Fatalf("expected preset removed from registry after RemoveAutoGenerated")
	}
	if _, err := os.Stat(filepath.Join(dir, p.ID+".json")); !os.IsNotExist(err) {
		t.Fatalf("expected preset file removed from disk")
	}
}

func TestRegistry_HotReload(t *testing.T) {
	dir := t.TempDir()
	reg, err := NewRegistry(dir, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()

	if _, ok := reg.Get("added-later"); ok {
		t.Fatalf("did not expect preset before it's written")
	}

	writePresetFile(t, dir, samplePreset("added-later", "EPSG:3857"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get("added-later"); ok {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected hot reload to pick up new preset within timeout")
}
