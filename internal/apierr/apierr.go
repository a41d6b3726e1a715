// Package apierr implements the error taxonomy of spec.md §7: a small set
// of machine-readable codes, each bound to one HTTP status, that every
// handler in internal/httpapi returns instead of ad-hoc error strings.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is a machine-readable API error carrying the HTTP status it maps
// to. It implements error so it can flow through normal Go error handling
// until an HTTP handler is ready to write a response.
type Error struct {
	Code    string `json:"error"`
	Status  int    `json:"-"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Code + ": " + e.Details
	}
	return e.Code
}

// WithDetails returns a copy of e carrying a human-readable details string.
func (e *Error) WithDetails(details string) *Error {
	return &Error{Code: e.Code, Status: e.Status, Details: details}
}

// codeStatus is the code -> HTTP status table from spec.md §7.
var codeStatus = map[string]int{
	// bad-request (400)
	"target_required":      http.StatusBadRequest,
	"too_many_targets":     http.StatusBadRequest,
	"invalid_target_name":  http.StatusBadRequest,
	"project_id_required":  http.StatusBadRequest,
	"missing_bbox":         http.StatusBadRequest,
	"invalid_bbox":         http.StatusBadRequest,
	"no_layers":            http.StatusBadRequest,
	"extent_out_of_range":  http.StatusBadRequest,
	"unsupported_filetype": http.StatusBadRequest,

	// not-found (404)
	"project_not_found":       http.StatusNotFound,
	"job_not_found":           http.StatusNotFound,
	"layer_not_found":         http.StatusNotFound,
	"project_cache_not_found": http.StatusNotFound,

	// conflict (409)
	"job_already_running":    http.StatusConflict,
	"job_running":            http.StatusConflict,
	"batch_running":          http.StatusConflict,
	"plugin_already_enabled": http.StatusConflict,

	// payload-too-large (413)
	"file_too_large":           http.StatusRequestEntityTooLarge,
	"plugin_archive_too_large": http.StatusRequestEntityTooLarge,
	"zip_too_many_entries":     http.StatusRequestEntityTooLarge,
	"zip_extract_too_large":    http.StatusRequestEntityTooLarge,
	"zip_entry_too_large":      http.StatusRequestEntityTooLarge,

	// rate-limited (429)
	"server_busy": http.StatusTooManyRequests,

	// gone (410)
	"legacy_global_index_removed": http.StatusGone,

	// internal (500)
	"spawn_error":             http.StatusInternalServerError,
	"render_failed":           http.StatusInternalServerError,
	"delete_failed":           http.StatusInternalServerError,
	"config_update_failed":    http.StatusInternalServerError,
	"protocol_error":          http.StatusInternalServerError,
	"worker_crashed":          http.StatusInternalServerError,
	"tile_generation_timeout": http.StatusInternalServerError,
}

// New builds an *Error for a known code, looking up its HTTP status. Codes
// not in the table default to 500, since an unrecognized code is itself an
// internal bug, never an expected client-facing condition.
func New(code string) *Error {
	status, ok := codeStatus[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &Error{Code: code, Status: status}
}

// Pre-built errors for the codes every package references by name.
var (
	ErrTargetRequired     = New("target_required")
	ErrTooManyTargets     = New("too_many_targets")
	ErrInvalidTargetName  = New("invalid_target_name")
	ErrProjectIDRequired  = New("project_id_required")
	ErrMissingBBox        = New("missing_bbox")
	ErrInvalidBBox        = New("invalid_bbox")
	ErrNoLayers           = New("no_layers")
	ErrExtentOutOfRange   = New("extent_out_of_range")
	ErrUnsupportedFileType = New("unsupported_filetype")

	ErrProjectNotFound      = New("project_not_found")
	ErrJobNotFound          = New("job_not_found")
	ErrLayerNotFound        = New("layer_not_found")
	ErrProjectCacheNotFound = New("project_cache_not_found")

	ErrJobAlreadyRunning   = New("job_already_running")
	ErrJobRunning          = New("job_running")
	ErrBatchRunning        = New("batch_running")
	ErrPluginAlreadyEnabled = New("plugin_already_enabled")

	ErrServerBusy = New("server_busy")

	ErrLegacyGlobalIndexRemoved = New("legacy_global_index_removed")

	ErrSpawnError            = New("spawn_error")
	ErrRenderFailed          = New("render_failed")
	ErrDeleteFailed          = New("delete_failed")
	ErrConfigUpdateFailed    = New("config_update_failed")
	ErrProtocolError         = New("protocol_error")
	ErrWorkerCrashed         = New("worker_crashed")
	ErrTileGenerationTimeout = New("tile_generation_timeout")
)

// As extracts an *Error from err via errors.As, for handlers that receive a
// wrapped error and need its status/code.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// WriteJSON writes err (or a generic 500 if err isn't an *Error) as the
// `{error, details?}` body spec.md §7 requires for every 5xx/4xx response.
func WriteJSON(w http.ResponseWriter, err error) {
	apiErr, ok := As(err)
	if !ok {
		apiErr = &Error{Code: "internal_error", Status: http.StatusInternalServerError, Details: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
