package httpapi

import "net/http"

// renderCapabilities delegates to an injected CapabilitiesBuilder. Building
// the OGC capabilities XML body is explicitly out of scope for the core
// (spec.md §1, SPEC_FULL.md §5 non-goals); when no builder is wired in, the
// endpoint exists but reports it has nothing to render yet.
func (s *server) renderCapabilities(w http.ResponseWriter, r *http.Request, build CapabilitiesBuilder, project string) {
	if build == nil {
		genericError(w, http.StatusNotImplemented, "capabilities_not_configured", "")
		return
	}
	if err := build(w, r, project); err != nil {
		writeErr(w, err)
	}
}
