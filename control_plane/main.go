package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wattwise/wattwise/control_plane/capacity"
	"github.com/wattwise/wattwise/control_plane/config"
	"github.com/wattwise/wattwise/control_plane/forecast"
	"github.com/wattwise/wattwise/control_plane/ledger"
	"github.com/wattwise/wattwise/control_plane/logger"
	"github.com/wattwise/wattwise/control_plane/middleware"
	"github.com/wattwise/wattwise/control_plane/scheduler"
	"github.com/wattwise/wattwise/control_plane/store"
)

// newRouter wires every endpoint behind auth and CORS. Health and metrics
// stay unauthenticated for probes and scrapers.
func newRouter(api *API) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.Handle("/workloads", middleware.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Wrap POST with idempotency so submit retries never double-schedule.
		api.withIdempotency(api.handleSubmitWorkload)(w, r)
	})))
	mux.Handle("/workloads/", middleware.AuthMiddleware(http.HandlerFunc(api.handleGetWorkload)))

	mux.Handle("/decisions", middleware.AuthMiddleware(http.HandlerFunc(api.handleListDecisions)))
	mux.Handle("/decisions/", middleware.AuthMiddleware(http.HandlerFunc(api.handleDecision)))

	mux.Handle("/forecast", middleware.AuthMiddleware(http.HandlerFunc(api.handlePublishForecast)))
	mux.Handle("/regions/scores", middleware.AuthMiddleware(http.HandlerFunc(api.handleRegionScores)))
	mux.Handle("/regions/", middleware.AuthMiddleware(http.HandlerFunc(api.handleSetCapacity)))

	mux.Handle("/ledger/summary", middleware.AuthMiddleware(http.HandlerFunc(api.handleLedgerSummary)))

	mux.Handle("/stream/decisions", middleware.AuthMiddleware(http.HandlerFunc(api.handleDecisionStream)))

	return middleware.CORSMiddleware(mux)
}

func main() {
	cfg, err := config.Load(os.Getenv("WATTWISE_CONFIG"))
	if err != nil {
		logger.GetLogger().WithError(err).Fatal("failed to load configuration")
	}
	logger.SetLevel(cfg.Server.LogLevel)
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store: Postgres when configured, in-memory otherwise.
	var st store.Store
	if cfg.Storage.PostgresDSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to Postgres")
		}
		st = pg
		log.Info("using Postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Info("using in-memory store (ephemeral)")
	}
	defer st.Close()

	// Idempotency cache: Redis when configured so retries land on any
	// replica, in-memory fallback for dev.
	var idem store.IdempotencyStore
	if cfg.Storage.RedisAddr != "" {
		redisIdem, err := store.NewRedisIdempotencyStore(cfg.Storage.RedisAddr, "", 0)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to Redis")
		}
		idem = redisIdem
		log.WithField("addr", cfg.Storage.RedisAddr).Info("using Redis idempotency store")
	} else {
		idem = store.NewMemoryIdempotencyStore()
		log.Info("using in-memory idempotency store (ephemeral)")
	}

	feed := forecast.NewFeed(cfg.BucketLength(), cfg.Forecast.HorizonBuckets)
	tracker := capacity.NewTracker()
	led := ledger.New()

	engine := scheduler.NewEngine(feed, tracker, led, st, scheduler.EngineConfig{
		Weights: scheduler.Weights{
			Carbon:   cfg.Scheduler.WeightCarbon,
			Cost:     cfg.Scheduler.WeightCost,
			Wait:     cfg.Scheduler.WeightWait,
			Priority: cfg.Scheduler.WeightPriority,
		},
		EvaluationBudget: cfg.EvaluationBudget(),
		ClaimRetryLimit:  cfg.Scheduler.ClaimRetryLimit,
	})

	api := NewAPI(engine, feed, tracker, led, st, idem, cfg.Server.SubmitRatePerSec, cfg.Server.SubmitBurst)
	engine.SetEventPublisher(api.wsHub)
	go api.wsHub.Run(ctx)

	rebalancer := scheduler.NewRebalancer(engine, scheduler.RebalancerConfig{
		Interval:             cfg.RebalanceInterval(),
		SafetyMargin:         cfg.SafetyMargin(),
		ImprovementThreshold: cfg.Rebalancer.ImprovementThreshold,
	})
	rebalancer.Start(ctx)
	defer rebalancer.Stop()

	handler := newRouter(api)

	// No server-wide read/write timeouts: /stream/decisions holds
	// long-lived websocket connections.
	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("server shutdown error")
		}
	}()

	log.WithField("addr", cfg.Server.ListenAddr).Info("WattWise control plane listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Fatal("server error")
	}
}
