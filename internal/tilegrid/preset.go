package tilegrid

import (
	"fmt"
	"math"
	"strings"
)

// Matrix describes one zoom level of a TileMatrixSet.
type Matrix struct {
	Z                int     `json:"z"`
	Identifier       string  `json:"identifier"`
	Resolution       float64 `json:"resolution"`
	ScaleDenominator float64 `json:"scale_denominator"`
	MatrixWidth      int     `json:"matrix_width"`
	MatrixHeight     int     `json:"matrix_height"`
	TopLeft          *[2]float64 `json:"top_left,omitempty"`
	TileWidth        int     `json:"tile_width,omitempty"`
	TileHeight       int     `json:"tile_height,omitempty"`
}

// Preset is a reusable tile-matrix-set definition, loaded from JSON in the
// presets directory or auto-generated for a project's custom CRS.
type Preset struct {
	ID            string   `json:"id"`
	SupportedCRS  []string `json:"supported_crs"`
	TileWidth     int      `json:"tile_width"`
	TileHeight    int      `json:"tile_height"`
	TopLeftCorner [2]float64 `json:"top_left_corner"`
	AxisOrder     string   `json:"axis_order"` // e.g. "xy" or "yx"
	Matrices      []Matrix `json:"matrices"`

	AutoGenerated bool   `json:"auto_generated,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
}

// SupportsCRS reports whether the preset advertises crs (case-insensitive).
func (p *Preset) SupportsCRS(crs string) bool {
	for _, c := range p.SupportedCRS {
		if strings.EqualFold(c, crs) {
			return true
		}
	}
	return false
}

// MatrixByIdentifier finds a matrix level by its advertised identifier.
func (p *Preset) MatrixByIdentifier(id string) (Matrix, bool) {
	for _, m := range p.Matrices {
		if m.Identifier == id {
			return m, true
		}
	}
	return Matrix{}, false
}

// MatrixByZ finds a matrix level by its numeric zoom.
func (p *Preset) MatrixByZ(z int) (Matrix, bool) {
	for _, m := range p.Matrices {
		if m.Z == z {
			return m, true
		}
	}
	return Matrix{}, false
}

// NearestNumericIdentifier returns the matrix whose zoom level Z is closest
// to requestedZ (the first such matrix on a tie). Matrix identifiers are
// not parsed or compared. Used by the KVP GetTile fallback (spec.md §4.8)
// when the requested TileMatrix identifier isn't present verbatim.
func (p *Preset) NearestNumericIdentifier(requestedZ int) (Matrix, bool) {
	best := Matrix{}
	found := false
	bestDist := math.MaxInt64
	for _, m := range p.Matrices {
		dist := m.Z - requestedZ
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			bestDist = dist
			best = m
			found = true
		}
	}
	return best, found
}

// TileExtent computes the geographic extent (in the preset's CRS units) of
// tile (z, col, row), given this matrix level's resolution and the preset's
// top-left corner and tile size.
func (p *Preset) TileExtent(m Matrix, col, row int) Extent {
	tw := m.TileWidth
	if tw == 0 {
		tw = p.TileWidth
	}
	th := m.TileHeight
	if th == 0 {
		th = p.TileHeight
	}

	topLeft := p.TopLeftCorner
	if m.TopLeft != nil {
		topLeft = *m.TopLeft
	}

	originX, originY := topLeft[0], topLeft[1]
	spanX := m.Resolution * float64(tw)
	spanY := m.Resolution * float64(th)

	minX := originX + float64(col)*spanX
	maxX := minX + spanX
	maxY := originY - float64(row)*spanY
	minY := maxY - spanY

	return Extent{minX, minY, maxX, maxY}
}

// Validate checks structural invariants of a preset definition.
func (p *Preset) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("preset: id is required")
	}
	if len(p.SupportedCRS) == 0 {
		return fmt.Errorf("preset %s: supported_crs must be non-empty", p.ID)
	}
	if p.TileWidth <= 0 || p.TileHeight <= 0 {
		return fmt.Errorf("preset %s: tile_width/tile_height must be positive", p.ID)
	}
	if len(p.Matrices) == 0 {
		return fmt.Errorf("preset %s: at least one matrix level is required", p.ID)
	}
	seen := make(map[int]bool, len(p.Matrices))
	for _, m := range p.Matrices {
		if seen[m.Z] {
			return fmt.Errorf("preset %s: duplicate zoom level %d", p.ID, m.Z)
		}
		seen[m.Z] = true
		if m.MatrixWidth <= 0 || m.MatrixHeight <= 0 {
			return fmt.Errorf("preset %s: matrix level %d has non-positive dimensions", p.ID, m.Z)
		}
	}
	return nil
}

// autoGenerateLevels builds a 23-level (z=0..22) power-of-two grid where
// level 0 fits extent in one tile, per spec.md §4.7.
func autoGenerateLevels(extent Extent, tileWidth int) []Matrix {
	const levels = 23
	width, height := extent.Width(), extent.Height()
	span := width
	if height > span {
		span = height
	}
	baseResolution := span / float64(tileWidth)

	matrices := make([]Matrix, 0, levels)
	resolution := baseResolution
	for z := 0; z < levels; z++ {
		dim := 1 << uint(z)
		matrices = append(matrices, Matrix{
			Z:            z,
			Identifier:   fmt.Sprintf("%d", z),
			Resolution:   resolution,
			MatrixWidth:  dim,
			MatrixHeight: dim,
		})
		resolution /= 2
	}
	return matrices
}

// sanitizeForFilename mirrors the project-id sanitizer used elsewhere:
// lowercase, every run of characters outside [a-z0-9] collapsed to one "_",
// leading and trailing "_" trimmed.
func sanitizeForFilename(s string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
				prevUnderscore = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}
