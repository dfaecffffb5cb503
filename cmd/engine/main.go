package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/auterity/engine-go/internal/airouter"
	"github.com/auterity/engine-go/internal/config"
	"github.com/auterity/engine-go/internal/engine"
	"github.com/auterity/engine-go/internal/events"
	"github.com/auterity/engine-go/internal/models"
	"github.com/auterity/engine-go/internal/observability"
	"github.com/auterity/engine-go/internal/steps"
	"github.com/auterity/engine-go/internal/store"
	"github.com/auterity/engine-go/internal/workflow"
)

const (
	serviceName    = "auterity-engine"
	serviceVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   "engine",
		Short: "Auterity workflow execution engine",
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the engine service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the service version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", serviceName, serviceVersion)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Auterity Engine",
		zap.String("service", serviceName),
		zap.String("version", serviceVersion))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize OpenTelemetry
	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, cfg.Observability.OTLPEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdownTracing()

	// Initialize metrics
	metrics := observability.NewMetrics()

	// Initialize execution store
	st, err := store.NewPostgresStore(cfg.Database.URL, logger)
	if err != nil {
		logger.Fatal("Failed to initialize execution store", zap.Error(err))
	}
	defer st.Close()

	// Redis backs the steering ruleset and model catalog caches
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Model catalog: seeded from the registry's published snapshot, refreshed
	// on the staleness schedule.
	catalog := airouter.NewCatalog(nil)
	if redisClient != nil {
		if ms, err := airouter.FetchCatalog(ctx, redisClient); err != nil {
			logger.Warn("Failed to load model catalog", zap.Error(err))
		} else if len(ms) > 0 {
			catalog.Replace(ms)
		}
		go airouter.RefreshCatalog(ctx, redisClient, catalog, cfg.AIRouting.RulesetCacheTTL, logger)
	}

	// Steering rulesets: served through the Redis cache the platform's
	// steering service populates; tenants without rules get the default
	// selector.
	rulesets := airouter.NewCachedRulesets(redisClient,
		func(ctx context.Context, tenantID string) (*airouter.Ruleset, error) {
			return &airouter.Ruleset{TenantID: tenantID}, nil
		},
		cfg.AIRouting.RulesetCacheTTL, logger)

	// Model providers
	providers := make([]airouter.Provider, 0, len(cfg.AIRouting.Providers))
	for _, pc := range cfg.AIRouting.Providers {
		providers = append(providers, airouter.NewHTTPProvider(pc.Name, pc.BaseURL, pc.APIKey, logger))
	}

	routerCfg := airouter.DefaultConfig()
	if cfg.AIRouting.MaxFallbackDepth > 0 {
		routerCfg.MaxFallbackDepth = cfg.AIRouting.MaxFallbackDepth
	}
	if cfg.AIRouting.RetryMaxAttempts > 0 {
		routerCfg.MaxAttempts = cfg.AIRouting.RetryMaxAttempts
	}
	if cfg.AIRouting.RateLimitPerSec > 0 {
		routerCfg.RateLimit = rate.Limit(cfg.AIRouting.RateLimitPerSec)
	}
	if cfg.AIRouting.RateLimitBurst > 0 {
		routerCfg.RateBurst = cfg.AIRouting.RateLimitBurst
	}
	router := airouter.NewClient(logger, routerCfg, catalog, rulesets, st, providers)

	// Event bus and webhook dispatcher
	bus := events.NewBus(logger, 256)
	var dispatcher *events.WebhookDispatcher
	if cfg.MessageQueue.URL != "" {
		dispatcher, err = events.NewWebhookDispatcher(cfg.MessageQueue.URL, cfg.MessageQueue.WebhookQueue, logger)
		if err != nil {
			logger.Fatal("Failed to initialize webhook dispatcher", zap.Error(err))
		}
		defer dispatcher.Close()
		go dispatcher.Run(ctx, bus.SubscribeAll())
	}

	// Engine wiring
	engineCfg := engine.DefaultConfig()
	engineCfg.MaxConcurrency = cfg.Execution.MaxConcurrency
	engineCfg.MaxConcurrentSteps = int64(cfg.Execution.MaxConcurrentSteps)
	engineCfg.DefaultStepTimeout = cfg.Execution.DefaultStepTimeout
	engineCfg.DefaultExecutionTimeout = cfg.Execution.DefaultExecutionTimeout
	engineCfg.CancellationGracePeriod = cfg.Execution.CancellationGracePeriod
	engineCfg.StoreRetryAttempts = cfg.Execution.StoreRetryAttempts
	engineCfg.StepRetryAttempts = cfg.Execution.StepRetryAttempts

	registry := steps.NewDefaultRegistry(logger)
	validator := workflow.NewValidator()
	secrets := steps.EnvSecrets{Prefix: "AUTERITY_SECRET"}

	eng := engine.New(logger, engineCfg, st, registry, validator, bus, metrics, router, secrets)
	svc := engine.NewService(logger, eng, st, bus)

	// Health checks
	health := engine.NewHealthChecker(logger)
	health.Register("database", engine.PingFunc(st.Ping))
	if redisClient != nil {
		health.Register("redis", engine.PingFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}

	var wg sync.WaitGroup

	// Execution request consumer: the API gateway enqueues validated requests
	// and this worker drives them through the engine.
	if cfg.MessageQueue.URL != "" {
		consumer, err := events.NewConsumer(cfg.MessageQueue.URL, cfg.MessageQueue.ExecuteQueue, logger)
		if err != nil {
			logger.Fatal("Failed to initialize execution consumer", zap.Error(err))
		}
		defer consumer.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consumer.Start(ctx, func(ctx context.Context, msg events.ExecuteMessage) error {
				_, err := svc.ExecuteWorkflow(ctx, engine.ExecuteRequest{
					WorkflowID: msg.WorkflowID,
					Inputs:     msg.Inputs,
					Mode:       models.ExecutionMode(msg.Mode),
					TimeoutMs:  msg.TimeoutMs,
					Principal:  msg.Principal,
				})
				return err
			})
			if err != nil {
				logger.Error("Execution consumer stopped", zap.Error(err))
			}
		}()
	}

	// HTTP server: metrics + health
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := startHTTPServer(ctx, cfg.HTTP.Address, health, logger); err != nil {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, gracefully stopping...")

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Server shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	return nil
}

func startHTTPServer(ctx context.Context, addr string, health *engine.HealthChecker, logger *zap.Logger) error {
	logger.Info("Starting HTTP server", zap.String("address", addr))

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("HTTP server error: %w", err)
	}
}
