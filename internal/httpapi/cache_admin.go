package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/batch"
	"github.com/tileserv/coretiles/internal/store"
)

// handlePurgeProject implements `DELETE /cache/{project}` (spec.md §6):
// purge the cache of every target listed in the project's index, drop any
// tile-matrix preset this project auto-generated, and save an empty index
// (spec.md §3 invariant 6).
func (s *server) handlePurgeProject(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")

	if _, err := os.Stat(filepath.Join(s.cfg.CacheDir, project)); os.IsNotExist(err) {
		writeErr(w, apierr.ErrProjectNotFound)
		return
	}

	idx, err := s.cfg.Index.Load(project)
	if err == nil {
		for _, e := range idx.Layers {
			if err := s.cfg.Batch.PurgeTargetCache(project, batch.Target{Mode: e.Kind, Name: e.Name}); err != nil {
				s.cfg.Logger.Warn("purge project: target purge failed", "project", project, "target", e.Name, "error", err)
			}
		}
	}

	if s.cfg.Registry != nil {
		if err := s.cfg.Registry.RemoveAutoGenerated(project); err != nil {
			s.cfg.Logger.Warn("purge project: auto-generated preset cleanup failed", "project", project, "error", err)
		}
	}

	empty := store.ProjectIndex{ID: project, Layers: []store.IndexEntry{}}
	if err := s.cfg.Index.Save(project, empty); err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "purged", "project": project})
}

// handlePurgeTarget implements `DELETE /cache/{project}/{name}?force=1`
// (spec.md §6/§3 invariant 6): remove one layer or theme's tile directory
// and index entry. A running job blocks the delete with 409 job_running
// unless force=1, in which case it's aborted first.
func (s *server) handlePurgeTarget(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	name := chi.URLParam(r, "name")
	force := r.URL.Query().Get("force") == "1"

	_, _, err := s.loadEntry(project, "layer", name)
	kind := "layer"
	if err != nil {
		_, _, err = s.loadEntry(project, "theme", name)
		kind = "theme"
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	if jobID, running := s.cfg.Batch.RunningJobID(project, kind, name); running {
		if !force {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "job_running", "jobId": jobID})
			return
		}
		if err := s.cfg.Batch.AbortAndWait(jobID); err != nil {
			s.cfg.Logger.Warn("purge target: abort before delete failed", "project", project, "target", name, "error", err)
		}
	}

	if err := s.cfg.Batch.PurgeTargetCache(project, batch.Target{Mode: kind, Name: name}); err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}

	if _, err := s.cfg.Index.Upsert(project, kind, name, func(*store.IndexEntry) *store.IndexEntry {
		return nil
	}); err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}

	now := time.Now()
	statesKey := "layers"
	if kind == "theme" {
		statesKey = "themes"
	}
	patch := map[string]any{
		statesKey: map[string]any{
			name: map[string]any{
				"lastResult":  "deleted",
				"lastRunAt":   now,
				"lastMessage": "",
			},
		},
	}
	if _, err := s.cfg.Configs.Update(project, patch); err != nil {
		s.cfg.Logger.Warn("purge target: config update failed", "project", project, "target", name, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "name": name, "kind": kind})
}
