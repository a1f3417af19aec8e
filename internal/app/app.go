package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hnharvest/features/failure"
	"hnharvest/features/item"
	"hnharvest/features/queue"
	"hnharvest/features/stats"
	"hnharvest/features/trend"
	"hnharvest/internal/adapter/hackernews"
	"hnharvest/internal/batch"
	"hnharvest/internal/config"
	"hnharvest/internal/dispatcher"
	"hnharvest/internal/fetch"
	"hnharvest/internal/middleware"
	"hnharvest/internal/progress"
	"hnharvest/internal/worker"
)

// ErrStatusDisabled is returned by Run when no status address is configured.
var ErrStatusDisabled = errors.New("status server disabled")

type App struct {
	Handler        http.Handler
	Registry       *prometheus.Registry
	Queue          *queue.PostgresRepo
	Items          *item.PostgresRepo
	Failures       *failure.PostgresRepo
	FailureService *failure.Service
	Upstream       *hackernews.Client
	Metrics        *progress.PrometheusReporter

	cfg    *config.Config
	events worker.EventPublisher
	logger *slog.Logger
}

func New(
	cfg *config.Config,
	db *sql.DB,
	events worker.EventPublisher,
	logger *slog.Logger,
) (*App, error) {
	if events == nil {
		events = worker.NopPublisher{}
	}

	// Adapters
	upstream := hackernews.NewClient(cfg.HNBaseURL, cfg.HNRequestTimeout)
	upstream.SetMaxConnsPerHost(cfg.FetchConcurrency)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := progress.NewPrometheusReporter(registry)
	if err != nil {
		return nil, err
	}

	// Feature: Queue & Items
	queueRepo := queue.NewPostgresRepo(db)
	itemRepo := item.NewPostgresRepo(db)

	// Feature: Failure ledger
	failureRepo := failure.NewPostgresRepo(db)
	reconcileEngine := fetch.NewEngine(upstream, engineOptions(cfg))
	failureService := failure.NewService(failureRepo, reconcileEngine, itemRepo, cfg.FetchConcurrency, logger)
	failureHandler := failure.NewHandler(failureService)

	// Feature: Stats
	statsHandler := stats.NewHandler(queueRepo, itemRepo, failureRepo)

	// Feature: Trends
	trendService := trend.NewService(trend.NewPostgresRepo(db), cfg.TrendCacheTTL)
	trendHandler := trend.NewHandler(trendService)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.Handle("GET /failures", middleware.CorrelationID(enableCORS(failureHandler.List)))
	mux.Handle("POST /failures/reconcile", middleware.CorrelationID(enableCORS(failureHandler.Reconcile)))

	mux.Handle("GET /keywords", middleware.CorrelationID(enableCORS(trendHandler.Keywords)))
	mux.Handle("POST /analyse", middleware.CorrelationID(enableCORS(trendHandler.Analyse)))
	mux.Handle("OPTIONS /analyse", middleware.CorrelationID(enableCORS(trendHandler.Analyse)))

	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:        mux,
		Registry:       registry,
		Queue:          queueRepo,
		Items:          itemRepo,
		Failures:       failureRepo,
		FailureService: failureService,
		Upstream:       upstream,
		Metrics:        metrics,
		cfg:            cfg,
		events:         events,
		logger:         logger,
	}, nil
}

// NewWorker builds a worker loop with its own fetch engine, so the
// concurrency ceiling holds per worker even when several share a process.
func (a *App) NewWorker(workerID string) *worker.Loop {
	engine := fetch.NewEngine(a.Upstream, engineOptions(a.cfg))
	writer := batch.NewWriter(a.Items, worker.NewFailureRecorder(a.Failures, a.events), batch.Options{
		BatchSize:      a.cfg.BatchSize,
		MaxRetries:     a.cfg.StoreMaxRetries,
		BackoffInitial: a.cfg.StoreBackoffInitial,
		BackoffMax:     a.cfg.StoreBackoffMax,
		WorkerID:       workerID,
	})
	return worker.NewLoop(a.Queue, engine, writer, a.events, worker.Options{
		WorkerID:            workerID,
		StoreMaxRetries:     a.cfg.StoreMaxRetries,
		StoreBackoffInitial: a.cfg.StoreBackoffInitial,
		StoreBackoffMax:     a.cfg.StoreBackoffMax,
	})
}

// InProcessLauncher runs workers as goroutines of this process.
func (a *App) InProcessLauncher() dispatcher.Launcher {
	return dispatcher.FuncLauncher(func(ctx context.Context, slot int) int {
		id := worker.Identity()
		err := a.NewWorker(id).Run(ctx)
		if err != nil && !errors.Is(err, worker.ErrInterrupted) {
			a.logger.Error("worker stopped", "worker_id", id, "slot", slot, "error", err)
		}
		return worker.ExitCode(err)
	})
}

func (a *App) NewDispatcher(reset bool, launcher dispatcher.Launcher) *dispatcher.Dispatcher {
	return dispatcher.New(a.Queue, a.Upstream, launcher, a.Failures, dispatcher.Options{
		Reset:                 reset,
		ChunkSize:             a.cfg.ChunkSize,
		WorkerCount:           a.cfg.WorkerCount,
		StaleClaimAfter:       a.cfg.StaleClaimAfter,
		MaxRestarts:           a.cfg.WorkerMaxRestarts,
		RestartBackoffInitial: a.cfg.StoreBackoffInitial,
		RestartBackoffMax:     a.cfg.StoreBackoffMax,
		ProgressInterval:      a.cfg.ProgressInterval,
	}, progress.NewLogReporter(a.logger), a.Metrics)
}

func engineOptions(cfg *config.Config) fetch.Options {
	return fetch.Options{
		Concurrency:       cfg.FetchConcurrency,
		MaxRetries:        cfg.FetchMaxRetries,
		BackoffInitial:    cfg.FetchBackoffInitial,
		BackoffMax:        cfg.FetchBackoffMax,
		RequestsPerSecond: cfg.HNRequestsPerSecond,
		Burst:             cfg.HNRateBurst,
	}
}

// Run serves the status endpoints until ctx ends. An empty StatusAddr
// disables the server.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.StatusAddr == "" {
		return ErrStatusDisabled
	}
	srv := &http.Server{
		Addr:              a.cfg.StatusAddr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "addr", a.cfg.StatusAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
