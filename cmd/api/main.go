package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/activity"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/api"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/bridge"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/chain"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/config"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/jobs"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/ledger"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/lifecycle"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/log"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/metrics"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/positions"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/prices"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/repository"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/scheduler"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/store"
	"github.com/shield-xrpfinance/shieldfinance-sub009/internal/ws"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting Shield orchestrator API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("shield-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Initialize repository (in-memory with SHIELD_USE_IN_MEMORY=true)
	var repo repository.Store
	if cfg.Database.UseInMemory {
		repo = repository.NewMemory()
		logger.Infow("Using in-memory repository")
	} else {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			logger.Fatalw("Failed to open database", "error", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalw("Database ping failed", "error", err)
		}
		repo = repository.NewRepository(db, logger)
		logger.Infow("Database connection established")
	}

	// Setup Redis cache (degrades to in-memory when Redis is unreachable)
	cache, err := store.NewCache(cfg.Cache.RedisAddr, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()

	if err := cache.Ping(ctx); err != nil {
		logger.Fatalw("Cache ping failed", "error", err)
	}
	logger.Infow("Cache connection established", "inMemory", cache.IsInMemoryMode())

	clock := scheduler.NewRealClock()

	// Bridge client and job poller
	var bridgeClient bridge.Client
	if cfg.Bridge.UseMock {
		bridgeClient = bridge.NewMockClient(true)
		logger.Warnw("Using mock bridge client")
	} else {
		bridgeClient = bridge.NewHTTPClient(cfg.Bridge.BaseURL, nil)
	}
	poller := bridge.NewPoller(bridgeClient, clock, logger, metricsObj, bridge.PollerConfig{
		Interval:    cfg.Bridge.PollInterval,
		MaxFailures: cfg.Bridge.PollMaxFailures,
	})

	// Ledger and chain readers
	var ledgerReader ledger.Reader
	if cfg.Ledger.UseMock {
		ledgerReader = ledger.NewMockReader()
		logger.Warnw("Using mock ledger reader")
	} else {
		ledgerReader = ledger.NewHTTPReader(cfg.Ledger.RPCURL, nil)
	}

	var chainReader chain.Reader
	if cfg.Chain.UseMock {
		chainReader = chain.NewMockReader()
		logger.Warnw("Using mock chain reader")
	} else {
		chainReader = chain.NewHTTPReader(cfg.Chain.RPCURL, nil)
	}

	// Price publisher keeps cached quotes warm and exposes the live source
	pricePublisher := jobs.NewPricePublisher(cache, clock, logger, jobs.PricePublisherConfig{
		ProviderType:   cfg.Prices.Provider,
		Interval:       cfg.Prices.RetryInterval,
		TTL:            cfg.Prices.CacheTTL,
		MockBasePrice:  cfg.Prices.MockBasePrice,
		MockVolatility: cfg.Prices.MockVolatility,
	})

	tolerance, err := decimal.NewFromString(cfg.Recon.Tolerance)
	if err != nil {
		logger.Fatalw("Invalid reconciliation tolerance", "value", cfg.Recon.Tolerance, "error", err)
	}

	priceRegistry := prices.NewRegistry()
	reconciler := positions.NewReconciler(
		repo,
		chainReader,
		pricePublisher.Source(),
		priceRegistry,
		tolerance,
		cfg.Recon.Timeout,
		logger,
		metricsObj,
	)

	aggregator := activity.NewAggregator(
		reconciler,
		repo,
		cfg.Bridge.ExplorerLedger,
		cfg.Bridge.ExplorerContract,
		logger,
	)

	// Lifecycle registry drives delayed/stale flags and cancel/dismiss rules
	lifecycleRegistry := lifecycle.NewRegistry(clock, cfg.Bridge.DepositCeiling, cfg.Bridge.WithdrawCeiling)

	// Setup WebSocket hub
	wsHub := ws.NewHub(cache, cfg.Security.CORSAllowedOrigins, logger, metricsObj)

	// Create context for background services
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	go wsHub.Run(hubCtx)
	go pricePublisher.Run(hubCtx)

	// Job sync keeps persisted jobs and withdrawals converging in background
	jobSync := jobs.NewJobSync(repo, poller, ledgerReader, cache, clock, logger, cfg.Chain.VaultAddress)
	go jobSync.Run(hubCtx, cfg.Recon.Interval)

	// Setup API handler and middleware
	handler := api.NewHandler(repo, bridgeClient, poller, reconciler, aggregator, lifecycleRegistry,
		pricePublisher.Source(), priceRegistry, wsHub, cache, cfg, logger)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, metricsHandler, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}
