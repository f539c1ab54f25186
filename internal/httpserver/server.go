package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/version"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated /v1 sub-router, domain handlers mount here
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	KV        *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// Config carries the pieces NewServer needs beyond the raw infra handles.
type Config struct {
	CORSAllowedOrigins []string
	// IPRateLimit is applied to every request before authentication (spec
	// §4.13: correlation-id → security headers → IP rate-limit → auth).
	IPRateLimit func(http.Handler) http.Handler
	// APIMiddlewares run in order on the authenticated /v1 group: typically
	// auth, then per-key rate limiting, then idempotency lookup.
	APIMiddlewares []func(http.Handler) http.Handler
}

// NewServer creates an HTTP server with the ambient middleware stack and the
// health/readiness/metrics endpoints. Domain handlers mount onto APIRouter
// after this returns.
func NewServer(cfg Config, logger *slog.Logger, db *pgxpool.Pool, kv *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		KV:        kv,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(SecurityHeaders)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "Idempotency-Key"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.IPRateLimit != nil {
		s.Router.Use(cfg.IPRateLimit)
	}

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		for _, mw := range cfg.APIMiddlewares {
			r.Use(mw)
		}
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	Respond(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, r, apierr.CodeSystem, "database not ready")
		return
	}

	if err := s.KV.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: kv ping failed", "error", err)
		RespondError(w, r, apierr.CodeSystem, "kv substrate not ready")
		return
	}

	Respond(w, r, http.StatusOK, map[string]string{
		"status":  "ready",
		"version": version.Version,
	})
}
