// Package app wires the domain stack together and drives the gateway's two
// runtime modes: api (serves HTTP) and worker (drains the job queue and
// runs the scheduler). Both modes share the same dependency graph, built
// once in Run.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctxmemory/gateway/internal/audit"
	"github.com/ctxmemory/gateway/internal/auth"
	"github.com/ctxmemory/gateway/internal/config"
	"github.com/ctxmemory/gateway/internal/httpserver"
	"github.com/ctxmemory/gateway/internal/platform"
	"github.com/ctxmemory/gateway/internal/telemetry"
	"github.com/ctxmemory/gateway/internal/version"
	"github.com/ctxmemory/gateway/pkg/breaker"
	"github.com/ctxmemory/gateway/pkg/catalogue"
	"github.com/ctxmemory/gateway/pkg/idempotency"
	"github.com/ctxmemory/gateway/pkg/llm"
	"github.com/ctxmemory/gateway/pkg/memory"
	"github.com/ctxmemory/gateway/pkg/notify"
	"github.com/ctxmemory/gateway/pkg/proxy"
	"github.com/ctxmemory/gateway/pkg/queue"
	"github.com/ctxmemory/gateway/pkg/ratelimit"
	"github.com/ctxmemory/gateway/pkg/scheduler"
	"github.com/ctxmemory/gateway/pkg/usage"
)

const (
	// idempotencyRetentionDays bounds how long a cached replay response is
	// kept before the sweep job reclaims it (spec §4.6).
	idempotencyRetentionDays = 2
	breakerCallTimeout       = 300 * time.Second
	kvBreakerCallTimeout     = 5 * time.Second
)

// app holds every wired component shared between runAPI and runWorker.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	pool *pgxpool.Pool
	kv   *platform.KV

	breakers *breaker.Registry
	notifier *notify.Notifier

	catalogueStore *catalogue.Store
	resolver       *catalogue.Resolver
	syncer         *catalogue.Syncer
	globals        func() catalogue.GlobalDefaults

	ledger      *usage.Ledger
	idempotency *idempotency.Store
	proxyClient *proxy.Client
	rateLimiter *ratelimit.Limiter

	memStore     *memory.Store
	consolidator *memory.Consolidator
	retriever    *memory.Retriever
	assembler    *memory.Assembler

	auditWriter *audit.Writer

	apikeyAuth *auth.APIKeyAuthenticator

	jobQueue *queue.Queue
	jobs     *queue.Registry
}

// Run boots the gateway in the mode named by cfg.Mode ("api" or "worker").
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	logger.Info("starting", "mode", cfg.Mode, "version", version.Version)

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}

	kv, err := platform.NewKV(ctx, cfg.KVShards())
	if err != nil {
		return fmt.Errorf("connecting to kv substrate: %w", err)
	}
	defer kv.Close()

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	breakers := breaker.NewRegistry(kv.Primary())
	notifier := notify.New(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)

	onTransition := func(name string, st breaker.State) {
		telemetry.BreakerStateGauge.WithLabelValues(name).Set(breakerStateValue(st))
		notifier.BreakerTransition(context.Background(), name, st.String())
	}
	// A "kv" breaker is registered alongside the upstream one so its state is
	// exported and notified the same way; no KV call is routed through it.
	breakers.Get("kv", breaker.Config{
		FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2, CallTimeout: kvBreakerCallTimeout,
	}).OnTransition(onTransition)
	upstreamBreaker := breakers.Get("upstream", breaker.Config{
		FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2, CallTimeout: breakerCallTimeout,
	})
	upstreamBreaker.OnTransition(onTransition)

	catalogueStore := catalogue.NewStore(pool)
	resolver := catalogue.NewResolver(catalogueStore)
	syncer := catalogue.NewSyncer(catalogueStore, upstreamBreaker, cfg.OpenRouterAPIBase, cfg.OpenRouterAPIKey, cfg.ModelDeprecationDays, logger)
	syncer.OnDeprecated(func(modelIDs []string) {
		telemetry.ModelsDeprecatedTotal.Add(float64(len(modelIDs)))
		for _, id := range modelIDs {
			notifier.ModelDeprecated(context.Background(), id, cfg.ModelDeprecationDays)
		}
	})
	globals := func() catalogue.GlobalDefaults {
		return catalogue.GlobalDefaults{
			DefaultChatModel:  cfg.DefaultChatModel,
			DefaultEmbedModel: cfg.DefaultEmbedModel,
		}
	}

	ledger := usage.NewLedger(pool)
	idemStore := idempotency.NewStore(pool, idempotencyRetentionDays)
	proxyClient := proxy.New(upstreamBreaker, cfg.OpenRouterAPIBase, cfg.OpenRouterAPIKey)
	rateLimiter := ratelimit.New(kv.Primary())

	memStore := memory.NewStore(pool)
	consolidator := memory.NewConsolidator(memStore)
	retriever := memory.NewRetriever(memStore)
	assembler := memory.NewAssembler(retriever)

	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	apikeyAuth := &auth.APIKeyAuthenticator{Pool: pool, Salt: cfg.AuthAPIKeySalt}

	jobQueue := queue.New(kv.Primary())
	jobs := queue.NewRegistry()
	registerBuiltinJobs(jobs, syncer, memStore, ledger, idemStore, proxyClient, resolver, globals, logger)

	a := &app{
		cfg: cfg, logger: logger, pool: pool, kv: kv, breakers: breakers, notifier: notifier,
		catalogueStore: catalogueStore, resolver: resolver, syncer: syncer, globals: globals,
		ledger: ledger, idempotency: idemStore, proxyClient: proxyClient, rateLimiter: rateLimiter,
		memStore: memStore, consolidator: consolidator, retriever: retriever, assembler: assembler,
		auditWriter: auditWriter, apikeyAuth: apikeyAuth, jobQueue: jobQueue, jobs: jobs,
	}

	switch cfg.Mode {
	case "api":
		return a.runAPI(ctx, metricsReg)
	case "worker":
		return a.runWorker(ctx)
	default:
		return fmt.Errorf("unknown run mode %q: must be \"api\" or \"worker\"", cfg.Mode)
	}
}

// runAPI builds the HTTP surface and blocks serving it until ctx is
// cancelled, then drains in-flight requests before returning.
func (a *app) runAPI(ctx context.Context, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		IPRateLimit:        ipRateLimit(a.rateLimiter, int64(a.cfg.RateLimitRequests), int64(a.cfg.RateLimitWindowSeconds)),
		APIMiddlewares: []func(http.Handler) http.Handler{
			auth.Middleware(a.apikeyAuth, "", a.logger),
			keyRateLimit(a.rateLimiter),
		},
	}, a.logger, a.pool, a.kv.Primary(), metricsReg)

	llmHandler := llm.NewHandler(a.resolver, a.proxyClient, a.ledger, a.idempotency, a.globals, a.logger, a.cfg.MaxOutputTokens, a.cfg.MaxTemperature)
	memoryHandler := memory.NewHandler(a.memStore, a.consolidator, a.retriever, a.assembler, a.cfg.MaxContextItems, int64(a.cfg.DefaultTokenBudget))
	catalogueHandler := catalogue.NewHandler(a.catalogueStore, a.globals)
	usageHandler := usage.NewHandler(a.ledger)
	auditHandler := audit.NewHandler(a.pool, a.logger)

	// llm and memory handlers register fully-qualified root-level paths
	// (/llm/chat, /ingest, /recall, ...) rather than a shared prefix, so
	// their routes are grafted individually instead of double-mounting two
	// sub-routers at "/".
	graftRoutes(srv.APIRouter, llmHandler.Routes())
	graftRoutes(srv.APIRouter, memoryHandler.Routes())
	srv.APIRouter.Mount("/models", catalogueHandler.Routes())
	srv.APIRouter.Mount("/usage", usageHandler.Routes())
	srv.APIRouter.Mount("/audit", auditHandler.Routes())

	httpSrv := &http.Server{
		Addr:              a.cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", "addr", a.cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down http server")
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// runWorker runs the job queue consumer and the recurring-task scheduler
// until ctx is cancelled.
func (a *app) runWorker(ctx context.Context) error {
	runner := queue.NewRunner(a.jobQueue, a.jobs, queue.DefaultLaneOrder, a.logger)

	sched := scheduler.New(a.jobQueue, a.logger)
	sched.Register(scheduler.Task{
		Name: "catalogue_sync", JobType: jobCatalogueSync, Queue: queue.LaneSync,
		Interval: time.Duration(a.cfg.ModelSyncIntervalHours) * time.Hour, Timeout: 60 * time.Second,
	})
	sched.Register(scheduler.Task{
		Name: "embedding_batch", JobType: jobEmbeddingBatch, Queue: queue.LaneEmbeddings,
		Interval: 5 * time.Minute, Timeout: 2 * time.Minute,
	})
	sched.Register(scheduler.Task{
		Name: "cleanup", JobType: jobCleanup, Queue: queue.LaneCleanup,
		Interval: 6 * time.Hour, Timeout: 2 * time.Minute,
	})
	sched.Register(scheduler.Task{
		Name: "usage_aggregation", JobType: jobUsageAggregation, Queue: queue.LaneAnalytics,
		Interval: 1 * time.Hour, Timeout: time.Minute,
	})
	sched.Register(scheduler.Task{
		Name: "idempotency_sweep", JobType: jobIdempotencySweep, Queue: queue.LaneCleanup,
		Interval: 1 * time.Hour, Timeout: time.Minute,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	sched.Run(ctx)
	<-done
	return nil
}

// graftRoutes copies every route registered on src onto dst, used to
// combine two root-level route sets onto one router without mounting two
// sub-routers at the same "/" prefix.
func graftRoutes(dst chi.Router, src chi.Router) {
	_ = chi.Walk(src, func(method, route string, handler http.Handler, _ ...func(http.Handler) http.Handler) error {
		dst.Method(method, route, handler)
		return nil
	})
}

func breakerStateValue(st breaker.State) float64 {
	switch st {
	case breaker.Open:
		return 2
	case breaker.HalfOpen:
		return 1
	default:
		return 0
	}
}
