// Package metrics registers the Prometheus collectors for the worker pool,
// render queue, batch manager, and scheduler, and exposes the handler
// internal/httpapi mounts at /metrics. Only the batch manager and scheduler
// collectors are updated; the worker-pool and render-queue collectors are
// registered but nothing in this module sets them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkerPool
	WorkersBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "coretiles_worker_busy",
		Help: "1 if the given worker index currently holds a job, else 0.",
	}, []string{"worker"})

	WorkerCrashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coretiles_worker_crashes_total",
		Help: "Count of renderer subprocess crashes, by worker index.",
	}, []string{"worker"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coretiles_worker_queue_depth",
		Help: "Jobs currently waiting for a free worker.",
	})

	// Render queue (on-demand single tiles)
	RenderQueueInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coretiles_render_inflight",
		Help: "On-demand tile renders currently in flight.",
	})

	RenderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coretiles_render_requests_total",
		Help: "On-demand tile requests, partitioned by outcome.",
	}, []string{"outcome"}) // hit, coalesced, enqueued, timeout

	RenderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coretiles_render_duration_seconds",
		Help:    "Time from RequestTile to a resolved path.",
		Buckets: prometheus.DefBuckets,
	})

	// Batch job manager
	BatchJobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coretiles_batch_jobs_running",
		Help: "Batch jobs currently in status=running.",
	})

	BatchJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coretiles_batch_jobs_total",
		Help: "Completed batch jobs, partitioned by terminal status.",
	}, []string{"status"}) // completed, error, aborted; project runs use project_run_<status>

	// Scheduler
	ScheduledProjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coretiles_scheduled_projects",
		Help: "Projects with an armed next-run timer.",
	})

	ScheduleFiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coretiles_schedule_fires_total",
		Help: "Scheduler-triggered batch runs, partitioned by target kind.",
	}, []string{"mode"}) // layer, theme, project
)
