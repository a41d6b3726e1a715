package httpapi

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/renderqueue"
	"github.com/tileserv/coretiles/internal/store"
)

// handleWMTSRestTile implements the REST GetTile contract of spec.md
// §4.8: `GET /wmts/rest/{project}/{layer}/{style}/{set}/{tileMatrix}/{row}/{col}.<ext>`.
func (s *server) handleWMTSRestTile(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	if err := s.cfg.AccessCheck(r, project); err != nil {
		writeAccessError(w, err)
		return
	}

	layerToken := chi.URLParam(r, "layer")
	style := chi.URLParam(r, "style")
	set := chi.URLParam(r, "set")
	matrixID := chi.URLParam(r, "tileMatrix")
	rowParam := chi.URLParam(r, "row")
	colParam := chi.URLParam(r, "col")

	ext := strings.TrimPrefix(filepath.Ext(colParam), ".")
	colParam = strings.TrimSuffix(colParam, filepath.Ext(colParam))

	row, rowOK := parseNonNegativeInt(rowParam)
	col, colOK := parseNonNegativeInt(colParam)
	if !rowOK || !colOK {
		writeBadRequest(w, "tileRow and tileCol must be non-negative integers")
		return
	}

	kind, name, entry, err := s.resolveLayerToken(project, layerToken)
	if err != nil {
		writeErr(w, err)
		return
	}

	if style != "" && style != "default" {
		writeNotFound(w, "unknown style")
		return
	}
	if set != "" && entry.TileMatrixPreset != "" && set != entry.TileMatrixPreset {
		writeNotFound(w, "unknown tile matrix set")
		return
	}

	preset, ok := s.resolvePreset(entry)
	if !ok {
		writeNotFound(w, "no tile matrix set for layer")
		return
	}
	matrix, ok := preset.MatrixByIdentifier(matrixID)
	if !ok {
		writeNotFound(w, "unknown tile matrix")
		return
	}
	if col > matrix.MatrixWidth-1 || row > matrix.MatrixHeight-1 {
		writeNotFound(w, "tile index out of bounds")
		return
	}

	if ext == "" {
		ext = tileFileExt(entry.TileFormat)
	}
	path := s.tilePath(project, kind, name, matrix.Z, col, row, ext)
	key := renderqueue.Key{Project: project, Mode: kind, Name: name, Z: matrix.Z, X: col, Y: row}
	s.serveOrEnqueue(w, r, key, path, tileContentType(ext))
}

// handleWMTSKVP implements the KVP GetTile contract of spec.md §4.8. When
// REQUEST doesn't ask for a tile, it delegates to the injected capabilities
// builder, per "GET /wmts [access-checked when project query present]:
// capabilities XML or KVP GetTile dispatch" (spec.md §6).
func (s *server) handleWMTSKVP(w http.ResponseWriter, r *http.Request) {
	q := caseInsensitiveQuery(r)
	project := q.Get("project")
	if project != "" {
		if err := s.cfg.AccessCheck(r, project); err != nil {
			writeAccessError(w, err)
			return
		}
	}

	if !strings.EqualFold(q.Get("request"), "GetTile") {
		s.renderCapabilities(w, r, s.cfg.WMTSCapabilities, project)
		return
	}
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}

	layerToken := q.Get("layer")
	matrixID := q.Get("tilematrix")
	rowParam := q.Get("tilerow")
	colParam := q.Get("tilecol")

	row, rowOK := parseNonNegativeInt(rowParam)
	col, colOK := parseNonNegativeInt(colParam)
	if layerToken == "" || !rowOK || !colOK {
		writeBadRequest(w, "LAYER, TileRow and TileCol are required")
		return
	}

	kind, name, entry, err := s.resolveLayerToken(project, layerToken)
	if err != nil {
		writeErr(w, err)
		return
	}

	preset, ok := s.resolvePreset(entry)
	if !ok {
		writeNotFound(w, "no tile matrix set for layer")
		return
	}

	matrix, ok := preset.MatrixByIdentifier(matrixID)
	if !ok {
		// Requested TileMatrix absent from the set: remap to the matrix
		// with the nearest zoom level and rescale (col,row) by the power-of-two
		// zoom-level factor (spec.md §4.8).
		requestedZ, zOK := parseNonNegativeInt(matrixID)
		if !zOK {
			writeNotFound(w, "unknown tile matrix")
			return
		}
		nearest, found := preset.NearestNumericIdentifier(requestedZ)
		if !found {
			writeNotFound(w, "unknown tile matrix")
			return
		}
		factor := 1 << uint(absInt(nearest.Z-requestedZ))
		if nearest.Z >= requestedZ {
			col, row = col*factor, row*factor
		} else {
			col, row = col/factor, row/factor
		}
		matrix = nearest
	}

	if col > matrix.MatrixWidth-1 || row > matrix.MatrixHeight-1 {
		// TMS/WMTS row convention mismatch: try the flipped row before
		// giving up with 404 (spec.md §8 boundary behavior).
		flipped := matrix.MatrixHeight - 1 - row
		if col > matrix.MatrixWidth-1 || flipped < 0 || flipped > matrix.MatrixHeight-1 {
			writeNotFound(w, "tile index out of bounds")
			return
		}
		row = flipped
	}

	ext := tileFileExt(entry.TileFormat)
	path := s.tilePath(project, kind, name, matrix.Z, col, row, ext)
	key := renderqueue.Key{Project: project, Mode: kind, Name: name, Z: matrix.Z, X: col, Y: row}
	s.serveOrEnqueue(w, r, key, path, tileContentType(ext))
}

// resolveLayerToken implements the tolerant layer-identifier resolution of
// spec.md §4.8: exact identifier match, then the layer's configured
// display name (LayerState.LayerName), then a "_<token>" suffix match.
// Layers are tried before themes at each stage.
func (s *server) resolveLayerToken(project, token string) (kind, name string, entry store.IndexEntry, err error) {
	idx, loadErr := s.cfg.Index.Load(project)
	if loadErr != nil {
		return "", "", entry, loadErr
	}

	if e, ok := idx.FindEntry("layer", token); ok {
		return "layer", e.Name, *e, nil
	}
	if e, ok := idx.FindEntry("theme", token); ok {
		return "theme", e.Name, *e, nil
	}

	if cfg, cfgErr := s.cfg.Configs.Load(project); cfgErr == nil {
		for name, ls := range cfg.Layers {
			if ls.LayerName == token {
				if e, ok := idx.FindEntry("layer", name); ok {
					return "layer", name, *e, nil
				}
			}
		}
		for name, ts := range cfg.Themes {
			if ts.LayerName == token {
				if e, ok := idx.FindEntry("theme", name); ok {
					return "theme", name, *e, nil
				}
			}
		}
	}

	for _, kind := range []string{"layer", "theme"} {
		for _, e := range idx.Layers {
			if e.Kind == kind && strings.HasSuffix(e.Name, "_"+token) {
				return e.Kind, e.Name, e, nil
			}
		}
	}
	return "", "", entry, apierr.ErrLayerNotFound
}
