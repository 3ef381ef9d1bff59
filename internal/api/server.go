// ABOUTME: HTTP server struct, constructor, and router wiring for BizPulse.
// ABOUTME: Holds the store, cache, invalidator, and task dependencies used by handlers.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jcroft/bizpulse/internal/alert"
	"github.com/jcroft/bizpulse/internal/cache"
	"github.com/jcroft/bizpulse/internal/config"
	"github.com/jcroft/bizpulse/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	cfg         *config.Config
	cache       *cache.AnalyticsCache
	invalidator *cache.Invalidator
	tasks       *alert.Tasks
	evalLimiter *rate.Limiter
	log         *slog.Logger
}

// NewServer creates a Server. The manual-evaluation limiter is sized from
// cfg.EvaluateNowPerMinute with a burst of 1, so bursts of manual passes
// cannot stack expensive rule sweeps.
func NewServer(
	s *store.Store,
	cfg *config.Config,
	c *cache.AnalyticsCache,
	inv *cache.Invalidator,
	tasks *alert.Tasks,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	perMinute := cfg.EvaluateNowPerMinute
	if perMinute <= 0 {
		perMinute = 6
	}
	return &Server{
		store:       s,
		cfg:         cfg,
		cache:       c,
		invalidator: inv,
		tasks:       tasks,
		evalLimiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1),
		log:         log,
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ──────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — protect against OOM from large request bodies.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("BizPulse API", "0.1.0")
	humaConfig.Info.Description = "KPI analytics caching and alert evaluation API"
	api := humachi.New(apiRouter, humaConfig)
	registerAlertRoutes(api, srv)
	registerCacheRoutes(api, srv)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
