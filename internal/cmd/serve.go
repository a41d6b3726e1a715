package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tileserv/coretiles/internal/batch"
	"github.com/tileserv/coretiles/internal/httpapi"
	"github.com/tileserv/coretiles/internal/renderqueue"
	"github.com/tileserv/coretiles/internal/scheduler"
	"github.com/tileserv/coretiles/internal/store"
	"github.com/tileserv/coretiles/internal/tilegrid"
	"github.com/tileserv/coretiles/internal/workerpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve WMTS/WMS/WFS requests, rendering missing tiles on demand",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "0.0.0.0:8080", "Listen address (host:port)")
	serveCmd.Flags().String("projects-dir", "./projects", "Directory containing .qgs/.qgz project files")
	serveCmd.Flags().String("presets-dir", "./tile-matrix-sets", "Directory of tile-matrix-set preset JSON files")

	serveCmd.Flags().String("worker-cmd", "qgis-render-worker", "Renderer subprocess command")
	serveCmd.Flags().StringSlice("worker-args", nil, "Extra args passed to the renderer subprocess")
	serveCmd.Flags().Int("workers", runtime.NumCPU(), "Number of persistent renderer subprocess workers")
	serveCmd.Flags().Duration("worker-restart-delay", 2*time.Second, "Delay between a worker crash and respawn")
	serveCmd.Flags().Duration("worker-abort-grace", time.Second, "Grace period before escalating a worker kill")

	serveCmd.Flags().Int("max-render-procs", 8, "Max concurrent on-demand tile renders")
	serveCmd.Flags().Duration("render-timeout", 150*time.Second, "Per-tile on-demand render timeout")

	serveCmd.Flags().Int("job-max", 4, "Max concurrent batch cache-generation jobs")
	serveCmd.Flags().Duration("job-ttl", 5*time.Minute, "How long a finished batch job stays queryable")

	serveCmd.Flags().Float64("rate-limit", 0, "Per-IP requests/second on tile-serving routes (0 disables)")
	serveCmd.Flags().Int("rate-burst", 20, "Per-IP token bucket burst size")
	serveCmd.Flags().StringSlice("cors-origins", nil, "Allowed CORS origins (empty allows any origin)")

	serveCmd.Flags().Int("wfs-default-max-features", 1000, "Default WFS GetFeature feature cap when COUNT is absent")
	serveCmd.Flags().Int("wfs-max-features-limit", 10000, "Hard ceiling on WFS GetFeature COUNT")

	mustBind := func(key, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}

	mustBind("serve.addr", "addr")
	mustBind("serve.projects_dir", "projects-dir")
	mustBind("serve.presets_dir", "presets-dir")

	mustBind("serve.worker_cmd", "worker-cmd")
	mustBind("serve.worker_args", "worker-args")
	mustBind("serve.workers", "workers")
	mustBind("serve.worker_restart_delay", "worker-restart-delay")
	mustBind("serve.worker_abort_grace", "worker-abort-grace")

	mustBind("serve.max_render_procs", "max-render-procs")
	mustBind("serve.render_timeout", "render-timeout")

	mustBind("serve.job_max", "job-max")
	mustBind("serve.job_ttl", "job-ttl")

	mustBind("serve.rate_limit", "rate-limit")
	mustBind("serve.rate_burst", "rate-burst")
	mustBind("serve.cors_origins", "cors-origins")

	mustBind("serve.wfs_default_max_features", "wfs-default-max-features")
	mustBind("serve.wfs_max_features_limit", "wfs-max-features-limit")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	cacheDir := viper.GetString("cache-dir")
	projectsDir := viper.GetString("serve.projects_dir")
	presetsDir := viper.GetString("serve.presets_dir")

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	registry, err := tilegrid.NewRegistry(presetsDir, logger)
	if err != nil {
		return fmt.Errorf("load tile-matrix-set presets: %w", err)
	}
	defer registry.Close()

	indexStore := store.NewIndexStore(cacheDir)
	configStore, err := store.NewConfigStore(cacheDir, scheduler.NextRun)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	projectPath := func(project string) (string, error) {
		for _, ext := range []string{".qgz", ".qgs"} {
			p := filepath.Join(projectsDir, project+ext)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		return "", fmt.Errorf("project %q not found under %s", project, projectsDir)
	}

	pool := workerpool.New(workerpool.Config{
		Workers:      viper.GetInt("serve.workers"),
		Command:      viper.GetString("serve.worker_cmd"),
		Args:         viper.GetStringSlice("serve.worker_args"),
		RestartDelay: viper.GetDuration("serve.worker_restart_delay"),
		AbortGrace:   viper.GetDuration("serve.worker_abort_grace"),
		Logger:       logger,
	})
	defer pool.Close()

	batchMgr := batch.NewManager(batch.Config{
		CacheDir:     cacheDir,
		Index:        indexStore,
		Configs:      configStore,
		Grid:         registry,
		Logger:       logger,
		JobMax:       viper.GetInt("serve.job_max"),
		JobTTL:       viper.GetDuration("serve.job_ttl"),
		BuildPayload: batchPayloadBuilder(projectPath),
	})
	batchMgr.AttachPool(pool)

	sched := scheduler.New(scheduler.Config{
		Index:   indexStore,
		Configs: configStore,
		Batch:   batchMgr,
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	renderQueue := renderqueue.New(renderqueue.Config{
		Pool:           pool,
		MaxRenderProcs: viper.GetInt("serve.max_render_procs"),
		Timeout:        viper.GetDuration("serve.render_timeout"),
		Logger:         logger,
		BuildJob:       renderJobBuilder(projectPath, registry, indexStore),
		OnFirstSubmission: func(key renderqueue.Key) {
			markOnDemand(indexStore, key)
		},
	})

	router := httpapi.NewRouter(httpapi.Config{
		Registry:    registry,
		Index:       indexStore,
		Configs:     configStore,
		Batch:       batchMgr,
		RenderQueue: renderQueue,
		Pool:        pool,
		CacheDir:    cacheDir,
		Logger:      logger,
		ProjectPath: projectPath,

		CORSOrigins: viper.GetStringSlice("serve.cors_origins"),
		RateLimit:   viper.GetFloat64("serve.rate_limit"),
		RateBurst:   viper.GetInt("serve.rate_burst"),

		WFSDefaultMaxFeatures: viper.GetInt("serve.wfs_default_max_features"),
		WFSMaxFeaturesLimit:   viper.GetInt("serve.wfs_max_features_limit"),
	})

	addr := viper.GetString("serve.addr")
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tileserv listening", "addr", addr, "cache_dir", cacheDir, "projects_dir", projectsDir)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-stop:
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
		}
	}
	return nil
}

// batchPayloadBuilder closes over the project resolver to build the worker
// job payload for a batch cache-generation run (spec.md §4.3), carrying the
// admitted job parameters and computed recache plan through to the worker
// subprocess as one JSON object.
func batchPayloadBuilder(projectPath func(string) (string, error)) func(batch.JobParams, batch.RecachePlan, string, string) (any, error) {
	return func(params batch.JobParams, plan batch.RecachePlan, outputDir, indexPath string) (any, error) {
		path, err := projectPath(params.Project)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"action":            "generate_cache",
			"project_path":      path,
			"target":            params.Target.Name,
			"target_mode":       params.Target.Mode,
			"output_dir":        outputDir,
			"index_path":        indexPath,
			"zoom_min":          params.ZoomMin,
			"zoom_max":          params.ZoomMax,
			"publish_zoom_min":  params.PublishZoomMin,
			"publish_zoom_max":  params.PublishZoomMax,
			"scheme":            params.Scheme,
			"tile_crs":          params.TileCRS,
			"xyz_mode":          params.XYZMode,
			"tile_matrix_preset": params.TileMatrixPreset,
			"allow_remote":      params.AllowRemote,
			"throttle_ms":       params.ThrottleMs,
			"render_timeout_ms": params.RenderTimeoutMs,
			"tile_retries":      params.TileRetries,
			"png_compression":   params.PNGCompression,
			"project_extent":    params.ProjectExtent,
			"extent_crs":        params.ExtentCRS,
			"recache_mode":      plan.Mode,
			"skip_existing":     plan.SkipExisting,
			"run_reason":        params.RunReason,
			"trigger":           params.Trigger,
		}, nil
	}
}

// renderJobBuilder closes over the project resolver, preset registry, and
// index store to build the worker payload for a single on-demand tile
// render (spec.md §4.2), resolving the tile's geographic bounds from the
// matching tile-matrix preset the same way a batch job would.
func renderJobBuilder(projectPath func(string) (string, error), registry *tilegrid.Registry, indexStore *store.IndexStore) func(renderqueue.Key) (any, error) {
	return func(key renderqueue.Key) (any, error) {
		path, err := projectPath(key.Project)
		if err != nil {
			return nil, err
		}

		idx, err := indexStore.Load(key.Project)
		if err != nil {
			return nil, err
		}
		entry, ok := idx.FindEntry(key.Mode, key.Name)
		if !ok {
			return nil, fmt.Errorf("%s %q not found in project %q index", key.Mode, key.Name, key.Project)
		}

		preset, ok := registry.Get(entry.TileMatrixPreset)
		if !ok {
			preset, ok = registry.FindPresetForCrs(entry.TileCRS)
			if !ok {
				return nil, fmt.Errorf("no tile-matrix preset for crs %q", entry.TileCRS)
			}
		}
		matrix, ok := preset.MatrixByZ(key.Z)
		if !ok {
			return nil, fmt.Errorf("no matrix level %d in preset %q", key.Z, preset.ID)
		}
		bbox := preset.TileExtent(matrix, key.X, key.Y)

		return map[string]any{
			"action":       "render_tile",
			"project_path": path,
			"layer":        key.Name,
			"target_mode":  key.Mode,
			"crs":          entry.TileCRS,
			"z":            key.Z,
			"x":            key.X,
			"y":            key.Y,
			"bbox":         bbox,
			"tile_size":    256,
		}, nil
	}
}

// markOnDemand records an on-demand render's first submission (spec.md
// §4.2) in the index: it stamps the entry's lastRequestAt and, if the
// target has no index entry yet, creates one with status "on-demand" and
// partial=true. The project config is not touched: no lastRequestedAt,
// scheme, tile-CRS or tile-matrix-preset hints are written there.
func markOnDemand(indexStore *store.IndexStore, key renderqueue.Key) {
	now := time.Now()
	_, _ = indexStore.Upsert(key.Project, key.Mode, key.Name, func(existing *store.IndexEntry) *store.IndexEntry {
		e := store.IndexEntry{Name: key.Name, Kind: key.Mode, Partial: true,
			Progress: store.Progress{Status: "on-demand", UpdatedAt: now}}
		if existing != nil {
			e = *existing
		}
		e.LastRequestAt = now
		return &e
	})
}
