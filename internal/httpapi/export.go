package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/tilearchive"
)

// handleExportArchive implements `POST /projects/{project}/cache/{name}/export`,
// the supplemented tile-archive-export feature of SPEC_FULL.md §4: package a
// layer or theme's on-disk tile cache into a single MBTiles file and stream
// it back as the response body.
func (s *server) handleExportArchive(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	name := chi.URLParam(r, "name")

	_, entry, err := s.loadEntry(project, "layer", name)
	kind := "layer"
	if err != nil {
		_, entry, err = s.loadEntry(project, "theme", name)
		kind = "theme"
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	sourceDir := name
	if kind == "theme" {
		sourceDir = filepath.Join("_themes", name)
	}
	sourceDir = filepath.Join(s.cfg.CacheDir, project, sourceDir)

	dest, err := os.CreateTemp("", "tileserv-export-*.mbtiles")
	if err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}
	destPath := dest.Name()
	_ = dest.Close()
	defer os.Remove(destPath)

	meta := tilearchive.Metadata{
		Name:    name,
		Format:  entry.TileFormat,
		Type:    kind,
		Bounds:  entry.ExtentWGS84,
		MinZoom: entry.ZoomMin,
		MaxZoom: entry.ZoomMax,
	}

	tileCount, err := tilearchive.Export(sourceDir, destPath, meta)
	if err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}

	f, err := os.Open(destPath)
	if err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/x-sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.mbtiles"`)
	w.Header().Set("X-Tile-Count", strconv.Itoa(tileCount))
	http.ServeContent(w, r, name+".mbtiles", info.ModTime(), f)
}
