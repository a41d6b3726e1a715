package apierr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_KnownCodeMapsToStatus(t *testing.T) {
	cases := map[string]int{
		"target_required":     http.StatusBadRequest,
		"project_not_found":   http.StatusNotFound,
		"job_already_running": http.StatusConflict,
		"file_too_large":      http.StatusRequestEntityTooLarge,
		"server_busy":         http.StatusTooManyRequests,
		"legacy_global_index_removed": http.StatusGone,
		"worker_crashed":      http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := New(code).Status; got != want {
			t.Errorf("New(%q).Status = %d, want %d", code, got, want)
		}
	}
}

func TestNew_UnknownCodeDefaultsInternal(t *testing.T) {
	e := New("something_nobody_named")
	if e.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown code, got %d", e.Status)
	}
}

func TestWriteJSON_WritesErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, ErrJobAlreadyRunning.WithDetails("demo/orto already running"))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "job_already_running" {
		t.Fatalf("expected error=job_already_running, got %v", body)
	}
	if body["details"] == "" {
		t.Fatalf("expected details to be preserved")
	}
}

func TestWriteJSON_NonAPIErrorDefaultsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSON(rec, errPlain("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for a plain error, got %d", rec.Code)
	}
}

type errPlain string

func (e errPlain) Error() string { return string(e) }
