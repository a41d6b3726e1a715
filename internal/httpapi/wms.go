package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/renderqueue"
	"github.com/tileserv/coretiles/internal/workerpool"
)

// wmsSyncTimeout bounds GetFeatureInfo/GetLegendGraphic/un-aligned GetMap
// requests, which delegate straight to the worker pool instead of going
// through the render queue's coalescing/backpressure path (spec.md §4.8:
// "...delegate directly to the Worker Pool for non-tile operations").
const wmsSyncTimeout = 60 * time.Second

// earthCircumferenceMeters is the Web Mercator (EPSG:3857) circumference
// used to test whether a GetMap bbox lands exactly on a slippy-map tile
// boundary (spec.md §6 "256x256 tile-aligned requests are cached under...").
const earthCircumferenceMeters = 2 * math.Pi * 6378137.0

// handleWMS implements the WMS surface of spec.md §6: GetCapabilities,
// GetMap (tile-aligned 256x256 requests are cached like a WMTS tile;
// anything else is rendered and streamed without caching),
// GetFeatureInfo, and GetLegendGraphic.
func (s *server) handleWMS(w http.ResponseWriter, r *http.Request) {
	q := caseInsensitiveQuery(r)
	project := q.Get("project")
	if project != "" {
		if err := s.cfg.AccessCheck(r, project); err != nil {
			writeAccessError(w, err)
			return
		}
	}

	switch strings.ToLower(q.Get("request")) {
	case "getmap":
		s.handleWMSGetMap(w, r, q, project)
	case "getfeatureinfo":
		s.handleWMSGetFeatureInfo(w, r, q, project)
	case "getlegendgraphic":
		s.handleWMSGetLegendGraphic(w, r, q, project)
	default:
		s.renderCapabilities(w, r, s.cfg.WMSCapabilities, project)
	}
}

func (s *server) handleWMSGetMap(w http.ResponseWriter, r *http.Request, q url.Values, project string) {
	if project == "" {
		writeBadRequest(w, "LAYERS/project is required")
		return
	}
	layers := q.Get("layers")
	if layers == "" {
		apierr.WriteJSON(w, apierr.ErrNoLayers)
		return
	}

	bbox, ok := parseBBox(q.Get("bbox"))
	if !ok {
		apierr.WriteJSON(w, apierr.ErrInvalidBBox)
		return
	}
	width, wOK := parseNonNegativeInt(q.Get("width"))
	height, hOK := parseNonNegativeInt(q.Get("height"))
	if !wOK || !hOK || width == 0 || height == 0 {
		writeBadRequest(w, "WIDTH and HEIGHT are required")
		return
	}

	crs := q.Get("crs")
	if crs == "" {
		crs = q.Get("srs")
	}
	styles := q.Get("styles")
	transparent := strings.EqualFold(q.Get("transparent"), "true")
	format := q.Get("format")
	if format == "" {
		format = "image/png"
	}
	ext := wmsFormatExt(format)

	if width == 256 && height == 256 && strings.EqualFold(crs, "EPSG:3857") {
		if z, x, y, aligned := wmsTileAlignment(bbox); aligned {
			path := filepath.Join(s.cfg.CacheDir, project, "_wms_tiles", crs, layers, styles,
				strconv.FormatBool(transparent), strconv.Itoa(z), strconv.Itoa(x), strconv.Itoa(y)+"."+ext)
			key := renderqueue.Key{Project: project, Mode: "wms", Name: layers, Z: z, X: x, Y: y}
			s.serveOrEnqueue(w, r, key, path, tileContentType(ext))
			return
		}
	}

	payload := map[string]any{
		"project_path": s.resolveProjectPath(project),
		"bbox":         bbox,
		"width":        width,
		"height":       height,
		"crs":          crs,
		"layers":       strings.Split(layers, ","),
		"transparent":  transparent,
		"format":       format,
	}
	s.submitAndStream(w, r, payload, tileContentType(ext))
}

func (s *server) handleWMSGetFeatureInfo(w http.ResponseWriter, r *http.Request, q url.Values, project string) {
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}
	bbox, ok := parseBBox(q.Get("bbox"))
	if !ok {
		apierr.WriteJSON(w, apierr.ErrInvalidBBox)
		return
	}
	width, _ := parseNonNegativeInt(q.Get("width"))
	height, _ := parseNonNegativeInt(q.Get("height"))
	i, _ := parseNonNegativeInt(firstNonEmpty(q.Get("i"), q.Get("x")))
	j, _ := parseNonNegativeInt(firstNonEmpty(q.Get("j"), q.Get("y")))
	queryLayers := q.Get("query_layers")
	if queryLayers == "" {
		queryLayers = q.Get("layers")
	}
	infoFormat := q.Get("info_format")
	if infoFormat == "" {
		infoFormat = "application/json"
	}
	featureCount, _ := parseNonNegativeInt(q.Get("feature_count"))
	if featureCount == 0 {
		featureCount = 1
	}

	payload := map[string]any{
		"action":        "feature_info",
		"project_path":  s.resolveProjectPath(project),
		"crs":           firstNonEmpty(q.Get("crs"), q.Get("srs")),
		"bbox":          bbox,
		"width":         width,
		"height":        height,
		"i":             i,
		"j":             j,
		"query_layers":  strings.Split(queryLayers, ","),
		"feature_count": featureCount,
		"info_format":   infoFormat,
	}
	s.submitAndRespondJSON(w, r, payload)
}

func (s *server) handleWMSGetLegendGraphic(w http.ResponseWriter, r *http.Request, q url.Values, project string) {
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}
	layer := q.Get("layer")
	if layer == "" {
		apierr.WriteJSON(w, apierr.ErrTargetRequired)
		return
	}
	format := q.Get("format")
	if format == "" {
		format = "image/png"
	}
	payload := map[string]any{
		"action":       "legend",
		"project_path": s.resolveProjectPath(project),
		"layer":        layer,
		"format":       format,
		"transparent":  strings.EqualFold(q.Get("transparent"), "true"),
	}
	s.submitAndStream(w, r, payload, format)
}

// resolveProjectPath looks up a project's on-disk file via the injected
// ProjectPathResolver. WMS/WFS job payloads pass along whatever it
// returns (the bare project id when no resolver is set or it fails); the worker subprocess is the one that
// ultimately validates the project file exists and is readable.
func (s *server) resolveProjectPath(project string) string {
	if s.cfg.ProjectPath == nil {
		return project
	}
	path, err := s.cfg.ProjectPath(project)
	if err != nil {
		return project
	}
	return path
}

// submitAndStream submits payload to the worker pool, waits synchronously,
// and writes the worker's declared output_file (or raw bytes, if the
// result carries them directly) back to the client as contentType.
func (s *server) submitAndStream(w http.ResponseWriter, r *http.Request, payload any, contentType string) {
	res, err := s.submitSync(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}

	var out struct {
		Status     string `json:"status"`
		OutputFile string `json:"output_file"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(res.Raw, &out); err != nil || out.Status != "success" {
		apierr.WriteJSON(w, apierr.ErrRenderFailed.WithDetails(out.Message))
		return
	}
	s.serveFile(w, r, out.OutputFile, contentType)
}

// submitAndRespondJSON submits payload to the worker pool and relays its
// terminal JSON result verbatim to the client.
func (s *server) submitAndRespondJSON(w http.ResponseWriter, r *http.Request, payload any) {
	res, err := s.submitSync(r.Context(), payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(res.Raw)
}

// submitSync submits payload directly to the shared worker pool and
// blocks for its terminal result, for the WMS/WFS operations spec.md §4.8
// delegates straight through rather than routing via the render queue.
func (s *server) submitSync(ctx context.Context, payload any) (workerpool.Result, error) {
	future, err := s.cfg.Pool.Submit(workerpool.Job{ID: uuid.NewString(), Payload: payload})
	if err != nil {
		return workerpool.Result{}, apierr.ErrSpawnError.WithDetails(err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, wmsSyncTimeout)
	defer cancel()
	res, err := future.Wait(ctx)
	if err != nil {
		return workerpool.Result{}, apierr.ErrTileGenerationTimeout.WithDetails(err.Error())
	}
	if res.Err != nil {
		return workerpool.Result{}, res.Err
	}
	return res, nil
}

// wmsTileAlignment reports whether bbox (in Web Mercator meters) exactly
// matches the bound of some slippy-map tile (z, x, y), so a 256x256
// GetMap can be cached/coalesced the same way a WMTS tile is.
func wmsTileAlignment(bbox [4]float64) (z, x, y int, ok bool) {
	width := bbox[2] - bbox[0]
	if width <= 0 {
		return 0, 0, 0, false
	}
	zf := math.Log2(earthCircumferenceMeters / width)
	z = int(math.Round(zf))
	if z < 0 || z > 24 || math.Abs(zf-float64(z)) > 1e-6 {
		return 0, 0, 0, false
	}
	tileSize := earthCircumferenceMeters / math.Pow(2, float64(z))
	half := earthCircumferenceMeters / 2

	xf := (bbox[0] + half) / tileSize
	yf := (half - bbox[3]) / tileSize
	x = int(math.Round(xf))
	y = int(math.Round(yf))
	if x < 0 || y < 0 || math.Abs(xf-float64(x)) > 1e-6 || math.Abs(yf-float64(y)) > 1e-6 {
		return 0, 0, 0, false
	}
	return z, x, y, true
}

func parseBBox(s string) ([4]float64, bool) {
	var out [4]float64
	if s == "" {
		return out, false
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return out, false
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, false
		}
		out[i] = v
	}
	if out[0] >= out[2] || out[1] >= out[3] {
		return out, false
	}
	return out, true
}

func wmsFormatExt(mime string) string {
	switch {
	case strings.Contains(mime, "jpeg"), strings.Contains(mime, "jpg"):
		return "jpg"
	case strings.Contains(mime, "webp"):
		return "webp"
	default:
		return "png"
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
