// Package httpapi implements the HTTP Dispatch layer of spec.md §4.8: WMTS
// REST/KVP tile serving, WMS/WFS delegation to the worker pool, and the
// admin batch-job endpoints of §6. OGC capabilities XML bodies and
// identity/authorization are both out of scope here and consumed as
// injected collaborators, per spec.md §1's "external collaborators" framing.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/tileserv/coretiles/internal/batch"
	"github.com/tileserv/coretiles/internal/renderqueue"
	"github.com/tileserv/coretiles/internal/store"
	"github.com/tileserv/coretiles/internal/tilegrid"
	"github.com/tileserv/coretiles/internal/workerpool"
)

// AccessCheck gates a project-scoped request. It returns nil to allow the
// request through; any non-nil error is written to the client via
// apierr.WriteJSON (wrap an *apierr.Error for a specific code, otherwise a
// generic 403 "forbidden" is sent). The core never evaluates identity itself
// (spec.md §5's "no identity/authorization" non-goal).
type AccessCheck func(r *http.Request, project string) error

// IsAdmin reports whether r carries administrator privilege, gating the
// [admin] endpoints of spec.md §6. Like AccessCheck, this is host-supplied.
type IsAdmin func(r *http.Request) bool

// CapabilitiesBuilder renders an OGC capabilities document for a service.
// The core only supplies the project inventory (by walking cache
// directories and index.json files); turning that inventory into XML is an
// external collaborator's job (spec.md §1, §4.8).
type CapabilitiesBuilder func(w http.ResponseWriter, r *http.Request, project string) error

// ProjectPathResolver resolves a project id to the on-disk project file
// path (the `.qgs`/`.qgz` the worker subprocess opens), the one piece of
// project bookkeeping this package needs but doesn't own — project files
// live and are discovered outside the tile-caching core.
type ProjectPathResolver func(project string) (string, error)

// Config wires every collaborator Router needs. Registry, Index, Configs,
// Batch, RenderQueue, Pool, and CacheDir are required, and so is
// ProjectPath for POST /generate-cache requests that leave tileCrs or
// extentCrs blank (CRS auto-detection calls it without a nil check); the
// rest default to permissive/no-op behavior so the router is usable
// without a host integration wired up yet.
type Config struct {
	Registry    *tilegrid.Registry
	Index       *store.IndexStore
	Configs     *store.ConfigStore
	Batch       *batch.Manager
	RenderQueue *renderqueue.Queue
	Pool        *workerpool.Pool
	CacheDir    string
	Logger      *slog.Logger

	AccessCheck AccessCheck
	IsAdmin     IsAdmin

	WMTSCapabilities CapabilitiesBuilder
	WMSCapabilities  CapabilitiesBuilder
	WFSCapabilities  CapabilitiesBuilder

	ProjectPath ProjectPathResolver

	// CORSOrigins is the allowed-origins list for rs/cors. Empty means
	// "allow any origin", matching a public tile-serving default.
	CORSOrigins []string

	// RateLimit bounds requests per second per client IP on the on-demand
	// tile paths; Burst is the token bucket size. Zero disables limiting.
	RateLimit float64
	RateBurst int

	WFSDefaultMaxFeatures int
	WFSMaxFeaturesLimit   int
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.AccessCheck == nil {
		c.AccessCheck = func(*http.Request, string) error { return nil }
	}
	if c.IsAdmin == nil {
		c.IsAdmin = func(*http.Request) bool { return true }
	}
	if c.WFSDefaultMaxFeatures <= 0 {
		c.WFSDefaultMaxFeatures = 1000
	}
	if c.WFSMaxFeaturesLimit <= 0 {
		c.WFSMaxFeaturesLimit = 10000
	}
}

// server holds the dependencies every handler closes over.
type server struct {
	cfg     Config
	limiter *rateLimiter
}

// NewRouter builds the full HTTP dispatch tree of spec.md §4.8/§6.
func NewRouter(cfg Config) http.Handler {
	cfg.setDefaults()
	s := &server{cfg: cfg}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Timeout(170 * time.Second))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: originsOrWildcard(cfg.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/wmts", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/", s.handleWMTSKVP)
		r.Get("/rest/{project}/{layer}/{style}/{set}/{tileMatrix}/{row}/{col}", s.handleWMTSRestTile)
	})

	r.Route("/wms", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/", s.handleWMS)
	})

	r.Route("/wfs", func(r chi.Router) {
		r.Get("/", s.handleWFS)
		r.Post("/", s.handleWFS)
	})

	r.Route("/generate-cache", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/", s.handleStartBatch)
		r.Get("/running", s.handleListRunning)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleAbortJob)
		})
	})

	r.Route("/projects/{project}/cache/project", func(r chi.Router) {
		r.With(s.requireAdmin).Post("/", s.handleStartProjectBatch)
		r.With(s.requireAccess).Get("/", s.handleGetProjectBatch)
	})

	r.Route("/cache/{project}", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Delete("/", s.handlePurgeProject)
		r.Delete("/{name}", s.handlePurgeTarget)
	})

	r.With(s.requireAdmin).Post("/projects/{project}/cache/{name}/export", s.handleExportArchive)

	r.With(s.requireAdmin).Get("/projects", s.handleListProjects)

	return r
}

func originsOrWildcard(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.IsAdmin(r) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) requireAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		project := chi.URLParam(r, "project")
		if err := s.cfg.AccessCheck(r, project); err != nil {
			writeAccessError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
