package batch

import "github.com/tileserv/coretiles/internal/store"

// ComputeRecachePlan implements spec.md §4.3's recache planning rules:
// given the existing index entry (nil if the layer/theme has never run)
// and a requested [zoomMin, zoomMax], decide whether the run is full or
// incremental, and whether incremental should skip tiles that already
// exist.
//
// recacheHint anything other than "incremental" (including "full" or
// empty) always yields a full plan — only an explicit incremental request
// is subject to the disjoint/overlap/CRS-change rules below.
func ComputeRecachePlan(existing *store.IndexEntry, zoomMin, zoomMax int, tileCRS, recacheHint string, overlap int) RecachePlan {
	if recacheHint != "incremental" || existing == nil || existing.Generated.IsZero() {
		return RecachePlan{Mode: "full"}
	}

	prevMin, prevMax := existing.LastZoomMin, existing.LastZoomMax

	if prevMin == zoomMin && prevMax == zoomMax {
		return RecachePlan{Mode: "full"}
	}
	if existing.TileCRS != "" && tileCRS != "" && existing.TileCRS != tileCRS {
		return RecachePlan{Mode: "full"}
	}

	expandedMin, expandedMax := prevMin-overlap, prevMax+overlap
	overlaps := zoomMin <= expandedMax && zoomMax >= expandedMin
	if overlaps {
		return RecachePlan{Mode: "incremental", SkipExisting: false}
	}
	return RecachePlan{Mode: "incremental", SkipExisting: true}
}
