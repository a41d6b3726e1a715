package httpapi

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/tileserv/coretiles/internal/apierr"
)

// handleWFS implements the WFS surface of spec.md §6: GetCapabilities,
// DescribeFeatureType, GetFeature (both OGC WFS 1.1/2.0) and Transaction
// (POST, admin-only). Parameter lookup follows the same case-insensitive
// KVP convention as WMTS/WMS (spec.md §4.8); the core forwards parsed
// parameters to the worker subprocess rather than interpreting WFS
// semantics itself (spec.md §1 non-goals).
func (s *server) handleWFS(w http.ResponseWriter, r *http.Request) {
	q := caseInsensitiveQuery(r)
	project := q.Get("project")
	if project != "" {
		if err := s.cfg.AccessCheck(r, project); err != nil {
			writeAccessError(w, err)
			return
		}
	}

	request := strings.ToLower(q.Get("request"))
	if r.Method == http.MethodPost && request == "" {
		request = "transaction"
	}

	switch request {
	case "describefeaturetype":
		s.handleWFSDescribe(w, r, project, q)
	case "getfeature":
		s.handleWFSGetFeature(w, r, project, q)
	case "transaction":
		s.handleWFSTransaction(w, r, project)
	default:
		s.handleWFSCapabilities(w, r, project)
	}
}

func (s *server) handleWFSCapabilities(w http.ResponseWriter, r *http.Request, project string) {
	if s.cfg.WFSCapabilities != nil {
		s.renderCapabilities(w, r, s.cfg.WFSCapabilities, project)
		return
	}
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}
	payload := map[string]any{
		"action":       "wfs_list",
		"project_path": s.resolveProjectPath(project),
	}
	s.submitAndRespondJSON(w, r, payload)
}

func (s *server) handleWFSDescribe(w http.ResponseWriter, r *http.Request, project string, q url.Values) {
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}
	typeNames := firstNonEmpty(q.Get("typenames"), q.Get("typename"))
	payload := map[string]any{
		"action":       "wfs_describe",
		"project_path": s.resolveProjectPath(project),
		"type_names":   splitNonEmpty(typeNames),
	}
	s.submitAndRespondJSON(w, r, payload)
}

func (s *server) handleWFSGetFeature(w http.ResponseWriter, r *http.Request, project string, q url.Values) {
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}
	typeNames := firstNonEmpty(q.Get("typenames"), q.Get("typename"))
	if typeNames == "" {
		apierr.WriteJSON(w, apierr.ErrNoLayers)
		return
	}

	maxFeatures := s.cfg.WFSDefaultMaxFeatures
	if raw := firstNonEmpty(q.Get("count"), q.Get("maxfeatures")); raw != "" {
		if n, ok := parseNonNegativeInt(raw); ok && n > 0 {
			maxFeatures = n
		}
	}
	if maxFeatures > s.cfg.WFSMaxFeaturesLimit {
		maxFeatures = s.cfg.WFSMaxFeaturesLimit
	}

	var bbox *[4]float64
	if raw := q.Get("bbox"); raw != "" {
		if b, ok := parseBBox(raw); ok {
			bbox = &b
		} else {
			apierr.WriteJSON(w, apierr.ErrInvalidBBox)
			return
		}
	}

	payload := map[string]any{
		"action":        "wfs_get_feature",
		"project_path":  s.resolveProjectPath(project),
		"type_names":    splitNonEmpty(typeNames),
		"bbox":          bbox,
		"filter":        q.Get("filter"),
		"max_features":  maxFeatures,
		"output_format": firstNonEmpty(q.Get("outputformat"), "application/json"),
		"srs_name":      firstNonEmpty(q.Get("srsname"), q.Get("crs")),
	}
	s.submitAndRespondJSON(w, r, payload)
}

// handleWFSTransaction implements `POST /wfs` Transaction (spec.md §6:
// "Transaction requires admin"). The request body (WFS-T XML, per the
// OGC spec) is forwarded to the worker verbatim; parsing and applying
// the actual insert/update/delete operations is the worker's job, not
// the dispatch layer's (spec.md §1 non-goals).
func (s *server) handleWFSTransaction(w http.ResponseWriter, r *http.Request, project string) {
	if !s.cfg.IsAdmin(r) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	if project == "" {
		writeBadRequest(w, "project is required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeBadRequest(w, "could not read request body")
		return
	}
	payload := map[string]any{
		"action":       "wfs_transaction",
		"project_path": s.resolveProjectPath(project),
		"body":         string(body),
		"content_type": r.Header.Get("Content-Type"),
	}
	s.submitAndRespondJSON(w, r, payload)
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
