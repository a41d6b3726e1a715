package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/renderqueue"
	"github.com/tileserv/coretiles/internal/store"
	"github.com/tileserv/coretiles/internal/tilegrid"
)

// tileFileExt maps an index entry's declared tile format to the file
// extension the batch worker and render queue write under.
func tileFileExt(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpg"
	case "webp":
		return "webp"
	default:
		return "png"
	}
}

func tileContentType(ext string) string {
	switch ext {
	case "jpg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}

// tilePath builds "<cache>/<project>/[_themes/]<name>/<sourceLevel>/<col>/<row>.<ext>"
// (spec.md §4.8), sourceLevel coming from the resolved matrix entry's
// numeric Z rather than its (possibly non-numeric) advertised identifier.
func (s *server) tilePath(project, kind, name string, sourceLevel, col, row int, ext string) string {
	dir := name
	if kind == "theme" {
		dir = filepath.Join("_themes", name)
	}
	return filepath.Join(s.cfg.CacheDir, project, dir,
		strconv.Itoa(sourceLevel), strconv.Itoa(col), fmt.Sprintf("%d.%s", row, ext))
}

// loadEntry resolves a project's index entry for (kind, name), returning
// apierr.ErrLayerNotFound when absent and apierr.ErrProjectNotFound when
// the project itself has no index.
func (s *server) loadEntry(project, kind, name string) (store.ProjectIndex, store.IndexEntry, error) {
	if _, err := os.Stat(filepath.Join(s.cfg.CacheDir, project)); os.IsNotExist(err) {
		return store.ProjectIndex{}, store.IndexEntry{}, apierr.ErrProjectNotFound
	}
	idx, err := s.cfg.Index.Load(project)
	if err != nil {
		return store.ProjectIndex{}, store.IndexEntry{}, err
	}
	entry, ok := idx.FindEntry(kind, name)
	if !ok {
		return idx, store.IndexEntry{}, apierr.ErrLayerNotFound
	}
	return idx, *entry, nil
}

// resolvePreset finds the tile-matrix-set preset an index entry advertises,
// by explicit preset id first, falling back to a CRS match (spec.md §4.7).
func (s *server) resolvePreset(entry store.IndexEntry) (*tilegrid.Preset, bool) {
	if entry.TileMatrixPreset != "" {
		if p, ok := s.cfg.Registry.Get(entry.TileMatrixPreset); ok {
			return p, true
		}
	}
	return s.cfg.Registry.FindPresetForCrs(entry.TileCRS)
}

// serveOrEnqueue implements the shared tail of both WMTS tile-dispatch
// contracts: serve the file if cached, else enqueue (or attach to an
// already in-flight) render and reply 202 with the retry-hint headers and
// body of spec.md §4.8/§7 — a cache miss never blocks the request waiting
// for the render to finish (spec.md scenario S1: the first request gets
// 202 immediately, a later request observes the finished tile).
func (s *server) serveOrEnqueue(w http.ResponseWriter, r *http.Request, key renderqueue.Key, path, contentType string) {
	fileExists, future := s.cfg.RenderQueue.RequestTile(key, path)
	if fileExists {
		s.serveFile(w, r, path, contentType)
		return
	}

	pos, length := future.Status()
	retryAfter := renderqueue.RetryAfter(pos, length)

	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	w.Header().Set("X-Tile-Status", "generating")
	w.Header().Set("X-Queue-Position", strconv.Itoa(pos))
	w.Header().Set("X-Queue-Length", strconv.Itoa(length))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"status":"generating","retry_after":%d,"queue_position":%d,"queue_length":%d}`,
		int(retryAfter.Seconds()), pos, length)
}

func (s *server) serveFile(w http.ResponseWriter, r *http.Request, path, contentType string) {
	f, err := os.Open(path)
	if err != nil {
		writeNotFound(w, "tile")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeNotFound(w, "tile")
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}
