package batch

import (
	"testing"
	"time"

	"github.com/tileserv/coretiles/internal/apierr"
	"github.com/tileserv/coretiles/internal/store"
	"github.com/tileserv/coretiles/internal/workerpool"
)

// fakeWorkerScript is a shell "renderer" modeled on the one workerpool's
// own tests use: it acks one progress line, then a terminal result, for
// whatever job it receives.
const fakeWorkerScript = `
while IFS= read -r line; do
  printf '{"progress":"rendering","total_generated":1,"expected_total":2}\n'
  sleep 0.01
  printf '{"status":"success"}\n'
done
`

// slowWorkerScript never answers, so its job stays "running" until the
// test aborts or closes the pool.
const slowWorkerScript = `sleep 5`

func newTestManager(t *testing.T, workers int, script string) (*Manager, *workerpool.Pool) {
	t.Helper()
	dir := t.TempDir()
	idx := store.NewIndexStore(dir)
	cfgStore, err := store.NewConfigStore(dir, nil)
	if err != nil {
		t.Fatalf("NewConfigStore: %v", err)
	}

	mgr := NewManager(Config{
		CacheDir: dir,
		Index:    idx,
		Configs:  cfgStore,
		BuildPayload: func(params JobParams, plan RecachePlan, outputDir, indexPath string) (any, error) {
			return map[string]any{
				"project":    params.Project,
				"zoom_min":   params.ZoomMin,
				"zoom_max":   params.ZoomMax,
				"output_dir": outputDir,
			}, nil
		},
	})

	pool := workerpool.New(workerpool.Config{
		Workers:      workers,
		Command:      "sh",
		Args:         []string{"-c", script},
		RestartDelay: 50 * time.Millisecond,
		OnProgress:   mgr.HandleProgress,
	})
	mgr.AttachPool(pool)
	t.Cleanup(pool.Close)
	return mgr, pool
}

func waitTerminal(t *testing.T, job *Job) {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not reach a terminal state in time")
	}
}

func TestManager_StartJob_CompletesAndWidensCoverage(t *testing.T) {
	mgr, _ := newTestManager(t, 1, fakeWorkerScript)

	job, err := mgr.StartJob(JobParams{
		Project: "demo", Target: Target{Mode: "layer", Name: "orto"},
		ZoomMin: 5, ZoomMax: 8, TileCRS: "EPSG:3857", Scheme: "xyz",
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	waitTerminal(t, job)

	job.Lock()
	status := job.Status
	job.Unlock()
	if status != StatusCompleted {
		t.Fatalf("status = %s, want completed", status)
	}

	idx, err := mgr.cfg.Index.Load("demo")
	if err != nil {
		t.Fatalf("Load index: %v", err)
	}
	entry, ok := idx.FindEntry("layer", "orto")
	if !ok {
		t.Fatal("index entry not found after completed job")
	}
	if entry.ZoomMin != 5 || entry.ZoomMax != 8 {
		t.Errorf("coverage = [%d,%d], want [5,8]", entry.ZoomMin, entry.ZoomMax)
	}
	if entry.Partial {
		t.Error("Partial = true after a completed job, want false")
	}
}

// TestManager_StartJob_DuplicateRejected is spec.md §3 invariant 1: at
// most one running job per (project, mode, name).
func TestManager_StartJob_DuplicateRejected(t *testing.T) {
	mgr, _ := newTestManager(t, 2, slowWorkerScript)

	job, err := mgr.StartJob(JobParams{
		Project: "demo", Target: Target{Mode: "layer", Name: "orto"},
		ZoomMin: 1, ZoomMax: 2,
	})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	defer mgr.Abort(job.ID)

	_, err = mgr.StartJob(JobParams{
		Project: "demo", Target: Target{Mode: "layer", Name: "orto"},
		ZoomMin: 3, ZoomMax: 4,
	})
	if err == nil {
		t.Fatal("expected second StartJob for the same target to fail")
	}
	if got := errCode(err); got != "job_already_running" {
		t.Errorf("error code = %q, want job_already_running", got)
	}
}

// TestManager_StartJob_ServerBusy is spec.md §4.3's JOB_MAX admission rule.
func TestManager_StartJob_ServerBusy(t *testing.T) {
	mgr, _ := newTestManager(t, 4, slowWorkerScript)
	mgr.cfg.JobMax = 2

	var started []*Job
	for i, name := range []string{"a", "b"} {
		job, err := mgr.StartJob(JobParams{Project: "demo", Target: Target{Mode: "layer", Name: name}, ZoomMin: i, ZoomMax: i + 1})
		if err != nil {
			t.Fatalf("StartJob %s: %v", name, err)
		}
		started = append(started, job)
	}
	defer func() {
		for _, j := range started {
			mgr.Abort(j.ID)
		}
	}()

	_, err := mgr.StartJob(JobParams{Project: "demo", Target: Target{Mode: "layer", Name: "c"}, ZoomMin: 0, ZoomMax: 1})
	if err == nil {
		t.Fatal("expected StartJob beyond JobMax to fail")
	}
	if got := errCode(err); got != "server_busy" {
		t.Errorf("error code = %q, want server_busy", got)
	}
}

func TestManager_Abort_MarksAborted(t *testing.T) {
	mgr, _ := newTestManager(t, 1, slowWorkerScript)

	job, err := mgr.StartJob(JobParams{Project: "demo", Target: Target{Mode: "layer", Name: "orto"}, ZoomMin: 1, ZoomMax: 2})
	if err != nil {
		t.Fatalf("StartJob: %v", err)
	}
	time.Sleep(50 * time.Millisecond) // let the worker pick it up

	if err := mgr.AbortAndWait(job.ID); err != nil {
		t.Fatalf("AbortAndWait: %v", err)
	}

	job.Lock()
	status := job.Status
	job.Unlock()
	if status != StatusAborted {
		t.Errorf("status = %s, want aborted", status)
	}

	if _, running := mgr.RunningJobID("demo", "layer", "orto"); running {
		t.Error("active key still held after abort")
	}
}

func errCode(err error) string {
	if apiErr, ok := apierr.As(err); ok {
		return apiErr.Code
	}
	return ""
}
