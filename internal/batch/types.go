// Package batch implements the Batch Job Manager (spec.md §4.3): admission
// control over long-running multi-tile generation jobs, recache planning,
// progress-event interpretation, and serial project-wide recache runs.
package batch

import (
	"encoding/json"
	"sync"
	"time"
)

// Target identifies what a job or schedule entry applies to.
type Target struct {
	Mode string `json:"mode"` // "layer" | "theme"
	Name string `json:"name"`
}

// Key is the admission-control identity of a job: at most one running job
// may exist per (project, mode, name) at a time (spec.md §3 invariant 1).
func Key(project, mode, name string) string {
	return project + ":" + mode + ":" + name
}

// RecachePlan is the outcome of ComputeRecachePlan (spec.md §4.3), turned
// into worker subprocess flags by the caller.
type RecachePlan struct {
	Mode         string `json:"mode"` // "full" | "incremental"
	SkipExisting bool   `json:"skipExisting"`
}

// JobParams is the input to StartJob, matching spec.md §4.3's public
// contract field-for-field.
type JobParams struct {
	Project string `json:"project"`
	Target  Target `json:"target"`

	ZoomMin        int `json:"zoomMin"`
	ZoomMax        int `json:"zoomMax"`
	PublishZoomMin int `json:"publishZoomMin"`
	PublishZoomMax int `json:"publishZoomMax"`

	Scheme           string `json:"scheme"`
	TileCRS          string `json:"tileCrs"`
	XYZMode          string `json:"xyzMode"` // "partial" | "full"
	TileMatrixPreset string `json:"tileMatrixPreset,omitempty"`

	AllowRemote     bool `json:"allowRemote"`
	ThrottleMs      int  `json:"throttleMs"`
	RenderTimeoutMs int  `json:"renderTimeoutMs"`
	TileRetries     int  `json:"tileRetries"`
	PNGCompression  string `json:"pngCompression"`

	ProjectExtent [4]float64 `json:"projectExtent"`
	ExtentCRS     string     `json:"extentCrs"`

	RecacheHint string `json:"recacheHint,omitempty"` // "full" | "incremental"
	Overlap     int    `json:"overlap,omitempty"`

	RunReason string `json:"runReason,omitempty"`
	Trigger   string `json:"trigger,omitempty"` // "manual" | "timer"

	RunID      string `json:"runId,omitempty"`
	BatchIndex int    `json:"batchIndex,omitempty"`
	BatchTotal int    `json:"batchTotal,omitempty"`
}

// JobStatus is the lifecycle of one Job, per spec.md §3 ("admitted →
// running → {completed|error|aborted}").
type JobStatus string

const (
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
	StatusAborted   JobStatus = "aborted"
)

// Job is the transient record the manager tracks for one admitted batch
// generation run (spec.md §3 "Job (transient)").
type Job struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	Target  Target `json:"target"`
	Key     string `json:"key"`

	Params JobParams   `json:"params"`
	Plan   RecachePlan `json:"plan"`

	Status    JobStatus  `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	ExitCode  int        `json:"exitCode"`

	StdoutTail []byte `json:"-"`
	StderrTail []byte `json:"-"`

	Progress Snapshot `json:"progress"`

	// done is closed by finishJob; runRecacheForProject waits on it to
	// serialize layer-by-layer project runs (spec.md §4.3
	// "runRecacheForProject... serializes single-layer batch jobs, one
	// at a time").
	done chan struct{}
	mu   sync.Mutex
}

// Lock/Unlock give the manager exclusive access to a Job's mutable fields
// (Status, ExitCode, EndedAt, Progress, Stdout/StderrTail) without
// exposing a second synchronization mechanism to callers outside the
// package.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// Done returns a channel closed once the job reaches a terminal status,
// letting callers outside the package (internal/scheduler's sequential
// firing loop) block on completion without a second notification
// mechanism.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot is the live progress state folded from worker events, mirrored
// into store.Progress on flush.
type Snapshot struct {
	Status         string    `json:"status"`
	Percent        float64   `json:"percent"`
	TotalGenerated int       `json:"totalGenerated"`
	ExpectedTotal  int       `json:"expectedTotal"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Message        string    `json:"message,omitempty"`

	lastIndexFlush  time.Time
	lastConfigFlush time.Time
}

// Summary is the shape returned by GetJob/ListRunning (spec.md §4.3/§6).
type Summary struct {
	ID        string     `json:"id"`
	Project   string     `json:"project"`
	Target    Target     `json:"target"`
	Status    JobStatus  `json:"status"`
	ExitCode  int        `json:"exitCode"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Progress  Snapshot   `json:"progress"`
	Stdout    string     `json:"stdout,omitempty"`
	Stderr    string     `json:"stderr,omitempty"`
}

// startGenerateEvent is the {debug:"start_generate", ...} shape of
// spec.md §4.3.
type startGenerateEvent struct {
	Debug         string     `json:"debug"`
	ExpectedTotal int        `json:"expected_total"`
	OutputDir     string     `json:"output_dir"`
	StorageName   string     `json:"storage_name"`
	ProjectExtent [4]float64 `json:"project_extent"`
	ProjectCRS    string     `json:"project_crs"`
	TileCRS       string     `json:"tile_crs"`
	Scheme        string     `json:"scheme"`
	XYZMode       string     `json:"xyz_mode"`
}

// progressEvent is the {progress:"...", total_generated, expected_total,
// percent?} shape of spec.md §4.3.
type progressEvent struct {
	Progress       string   `json:"progress"`
	TotalGenerated int      `json:"total_generated"`
	ExpectedTotal  int      `json:"expected_total"`
	Percent        *float64 `json:"percent,omitempty"`
}

// terminalResult is the final line a worker sends for a tile-generation
// job, routed to the job's Future by internal/workerpool rather than
// through OnProgress (it's the line carrying the "status" key).
type terminalResult struct {
	Status         string `json:"status"` // success | completed | error | aborted
	Message        string `json:"message,omitempty"`
	TotalGenerated int    `json:"total_generated,omitempty"`
	ExpectedTotal  int    `json:"expected_total,omitempty"`
}

func clampPercent(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func decodeEvent(raw json.RawMessage, v any) bool {
	return json.Unmarshal(raw, v) == nil
}
