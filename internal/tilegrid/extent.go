package tilegrid

import "fmt"

// Extent is a 4-tuple bounding box in the units of some CRS: [minX, minY, maxX, maxY].
// For EPSG:4326 those units are degrees; for projected CRSes (EPSG:3857,
// EPSG:3006, ...) they are the CRS's native linear unit.
type Extent [4]float64

// String renders the extent for logs and error messages.
func (e Extent) String() string {
	return fmt.Sprintf("[%.6f,%.6f,%.6f,%.6f]", e[0], e[1], e[2], e[3])
}

// Width returns maxX - minX.
func (e Extent) Width() float64 { return e[2] - e[0] }

// Height returns maxY - minY.
func (e Extent) Height() float64 { return e[3] - e[1] }

// Center returns the midpoint of the extent.
func (e Extent) Center() (x, y float64) {
	return (e[0] + e[2]) / 2, (e[1] + e[3]) / 2
}

// Valid reports whether the extent is well-formed (min < max on both axes).
func (e Extent) Valid() bool {
	return e[0] < e[2] && e[1] < e[3]
}

// Union returns the smallest extent containing both e and o.
func (e Extent) Union(o Extent) Extent {
	return Extent{
		min(e[0], o[0]),
		min(e[1], o[1]),
		max(e[2], o[2]),
		max(e[3], o[3]),
	}
}
