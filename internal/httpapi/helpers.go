package httpapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tileserv/coretiles/internal/apierr"
)

// genericError writes the `{error, details?}` shape for a path-validation
// failure that has no dedicated code in apierr's taxonomy (spec.md §7 lists
// a closed set of application-level codes; raw parameter validation here —
// non-integer tile indices, unknown style/set — doesn't belong in it).
func genericError(w http.ResponseWriter, status int, code, details string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]string{"error": code}
	if details != "" {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, details string) {
	genericError(w, http.StatusBadRequest, "bad_request", details)
}

func writeNotFound(w http.ResponseWriter, details string) {
	genericError(w, http.StatusNotFound, "not_found", details)
}

// writeAccessError surfaces an AccessCheck failure. A wrapped *apierr.Error
// carries its own status/code; anything else is a generic 403, since the
// core doesn't know why a host-supplied check failed.
func writeAccessError(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		apierr.WriteJSON(w, apiErr)
		return
	}
	genericError(w, http.StatusForbidden, "forbidden", err.Error())
}

// writeErr dispatches a known *apierr.Error through the standard taxonomy
// envelope, falling back to a generic 404 for the path/layer-resolution
// errors this package returns as plain errors (e.g. store.Load failures).
func writeErr(w http.ResponseWriter, err error) {
	if apiErr, ok := apierr.As(err); ok {
		apierr.WriteJSON(w, apiErr)
		return
	}
	writeNotFound(w, err.Error())
}

// parseNonNegativeInt parses s as a base-10 non-negative integer, rejecting
// the non-integer/negative tile indices spec.md §4.8 calls for a 400 on.
func parseNonNegativeInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// caseInsensitiveQuery builds a url.Values keyed by lowercased parameter
// name, implementing the KVP contract's "parameter lookup is
// case-insensitive" (spec.md §4.8). When several parameter names differ
// only by case, which one's values are kept is not defined (map iteration
// order).
func caseInsensitiveQuery(r *http.Request) url.Values {
	raw := r.URL.Query()
	out := make(url.Values, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = v
	}
	return out
}
