package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/batch"
	"github.com/tileserv/coretiles/internal/tilegrid"
)

// startBatchRequest is the body of `POST /generate-cache` (spec.md §6),
// carrying the caller-settable fields of batch.JobParams so a caller never has to know
// about the package's internal Target wrapper type.
type startBatchRequest struct {
	Project string `json:"project"`
	Target  string `json:"target"`
	Mode    string `json:"targetMode"` // "layer" | "theme"

	ZoomMin        int `json:"zoomMin"`
	ZoomMax        int `json:"zoomMax"`
	PublishZoomMin int `json:"publishZoomMin"`
	PublishZoomMax int `json:"publishZoomMax"`

	Scheme           string `json:"scheme"`
	TileCRS          string `json:"tileCrs"`
	XYZMode          string `json:"xyzMode"`
	TileMatrixPreset string `json:"tileMatrixPreset"`

	AllowRemote     bool   `json:"allowRemote"`
	ThrottleMs      int    `json:"throttleMs"`
	RenderTimeoutMs int    `json:"renderTimeoutMs"`
	TileRetries     int    `json:"tileRetries"`
	PNGCompression  string `json:"pngCompression"`

	ProjectExtent [4]float64 `json:"projectExtent"`
	ExtentCRS     string     `json:"extentCrs"`

	RecacheHint string `json:"recacheHint"`
	Overlap     int    `json:"overlap"`

	RunReason string `json:"runReason"`
}

// handleStartBatch implements `POST /generate-cache` (spec.md §6): start a
// single-layer/theme batch generation job.
func (s *server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.ErrInvalidTargetName.WithDetails(err.Error()))
		return
	}
	if req.Mode == "" {
		req.Mode = "layer"
	}

	// spec.md §4.7: when the caller doesn't already know the project's CRS
	// and extent, detect them from the QGIS project file itself rather than
	// requiring every client to parse .qgs/.qgz.
	if req.TileCRS == "" || req.ExtentCRS == "" {
		if err := s.autoDetectCRS(&req); err != nil {
			writeErr(w, apierr.ErrInvalidTargetName.WithDetails(err.Error()))
			return
		}
	}

	job, err := s.cfg.Batch.StartJob(batch.JobParams{
		Project:          req.Project,
		Target:           batch.Target{Mode: req.Mode, Name: req.Target},
		ZoomMin:          req.ZoomMin,
		ZoomMax:          req.ZoomMax,
		PublishZoomMin:   req.PublishZoomMin,
		PublishZoomMax:   req.PublishZoomMax,
		Scheme:           req.Scheme,
		TileCRS:          req.TileCRS,
		XYZMode:          req.XYZMode,
		TileMatrixPreset: req.TileMatrixPreset,
		AllowRemote:      req.AllowRemote,
		ThrottleMs:       req.ThrottleMs,
		RenderTimeoutMs:  req.RenderTimeoutMs,
		TileRetries:      req.TileRetries,
		PNGCompression:   req.PNGCompression,
		ProjectExtent:    req.ProjectExtent,
		ExtentCRS:        req.ExtentCRS,
		RecacheHint:      req.RecacheHint,
		Overlap:          req.Overlap,
		RunReason:        req.RunReason,
		Trigger:          "manual",
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":     "started",
		"id":         job.ID,
		"target":     job.Target.Name,
		"targetMode": job.Target.Mode,
	})
}

// autoDetectCRS fills in req.TileCRS/ExtentCRS/ProjectExtent from the
// project's .qgs/.qgz file when the caller left them blank, and ensures a
// tile-matrix preset exists for the detected CRS, auto-generating one from
// the detected extent when the registry has no match (spec.md §4.7).
func (s *server) autoDetectCRS(req *startBatchRequest) error {
	path, err := s.cfg.ProjectPath(req.Project)
	if err != nil {
		return err
	}

	crs, extent, err := tilegrid.DetectProjectCRS(path)
	if err != nil {
		return err
	}

	if req.TileCRS == "" {
		req.TileCRS = crs
	}
	if req.ExtentCRS == "" {
		req.ExtentCRS = crs
		req.ProjectExtent = extent
	}

	if req.TileMatrixPreset == "" {
		if preset, ok := s.cfg.Registry.FindPresetForCrs(req.TileCRS); ok {
			req.TileMatrixPreset = preset.ID
		} else {
			preset, err := s.cfg.Registry.AutoGeneratePreset(req.TileCRS, extent, req.Project)
			if err != nil {
				return err
			}
			req.TileMatrixPreset = preset.ID
		}
	}
	return nil
}

// handleAbortJob implements `DELETE /generate-cache/{id}` (spec.md §6).
func (s *server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.cfg.Batch.Abort(jobID); err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "aborted", "id": jobID})
}

// handleGetJob implements `GET /generate-cache/{id}?tail=N` (spec.md §6).
func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	tail, _ := strconv.Atoi(r.URL.Query().Get("tail"))

	summary, err := s.cfg.Batch.GetJob(jobID, tail)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

// handleListRunning implements `GET /generate-cache/running` (spec.md §6).
func (s *server) handleListRunning(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.cfg.Batch.ListRunning())
}

// handleStartProjectBatch implements `POST /projects/{id}/cache/project`
// (spec.md §6): start a project-wide recache.
func (s *server) handleStartProjectBatch(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")

	var body struct {
		Reason string   `json:"reason"`
		Layers []string `json:"layers"`
		RunID  string   `json:"runId"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	var targets []batch.Target
	for _, name := range body.Layers {
		targets = append(targets, batch.Target{Mode: "layer", Name: name})
	}

	run, err := s.cfg.Batch.StartProjectRun(project, body.Reason, targets, body.RunID)
	if err != nil {
		writeErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "started", "runId": run.RunID})
}

// handleGetProjectBatch implements `GET /projects/{id}/cache/project`
// (spec.md §6): the current or most recent project-wide run.
func (s *server) handleGetProjectBatch(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	run, err := s.cfg.Batch.GetProjectRun(project)
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(run)
}
