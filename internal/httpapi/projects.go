package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/tileserv/coretiles/internal/apierr"
)

// handleListProjects implements the supplemented `GET /projects` admin
// endpoint: a read-only inventory of every project with a cache directory
// on disk, built from the same walk the Scheduler uses to reschedule every
// project's recache jobs.
func (s *server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cfg.Index.ListProjects()
	if err != nil {
		apierr.WriteJSON(w, apierr.ErrDeleteFailed.WithDetails(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"projects": ids})
}
