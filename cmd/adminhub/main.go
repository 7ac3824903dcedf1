package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pigeon-admin-hub/internal/config"
	"github.com/boddenberg/pigeon-admin-hub/internal/domain"
	"github.com/boddenberg/pigeon-admin-hub/internal/handler"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/cache"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/client"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/observability"
	"github.com/boddenberg/pigeon-admin-hub/internal/infra/resilience"
	"github.com/boddenberg/pigeon-admin-hub/internal/port"
	"github.com/boddenberg/pigeon-admin-hub/internal/service"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "pigeon-admin-hub")
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("ai_enabled", cfg.AIEnabled),
		zap.Bool("ai_configured", cfg.AIConfigured()),
		zap.String("ai_model", cfg.AIModel),
		zap.Int("ai_hourly_cap", cfg.AIHourlyCap),
		zap.Float64("ai_confidence_threshold", cfg.AIConfidenceThreshold),
		zap.Bool("require_multi_source", cfg.RequireMultiSource),
		zap.Duration("check_interval", cfg.SentinelCheckInterval),
		zap.Duration("request_timeout", cfg.SentinelRequestTimeout),
		zap.String("upstream_base_url", cfg.UpstreamBaseURL),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "pigeon-admin-hub")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Cache ---
	decisionCache := cache.New[domain.DecisionKey, bool](cfg.AIDecisionCacheTTL)
	defer decisionCache.Close()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	cb := resilience.NewCircuitBreaker("llm", func(name string, from, to gobreaker.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})
	bulkhead := resilience.NewBulkhead(cfg.MaxConcurrency)
	metrics.TrackInFlight("llm", bulkhead.InFlight)

	// --- Clients ---
	var generator port.TextGenerator
	if cfg.AIConfigured() {
		generator = client.NewLLMClient(&http.Client{Timeout: cfg.HTTPTimeout}, client.LLMConfig{
			APIKey:      cfg.AIAPIKey,
			BaseURL:     cfg.AIBaseURL,
			Model:       cfg.AIModel,
			Temperature: cfg.AITemperature,
			MaxTokens:   cfg.AIMaxTokens,
		}, cb, resilienceCfg)
	} else if cfg.AIEnabled {
		logger.Warn("AI_ENABLED is set but AI_API_KEY is empty, escalations will fall back to local verdicts")
	}

	fetcher := client.NewEndpointClient(&http.Client{Timeout: cfg.SentinelRequestTimeout})

	// --- Services ---
	gate := service.NewAIGate(generator, decisionCache, bulkhead, service.AIGateConfig{
		Enabled:    cfg.AIEnabled,
		HourlyCap:  cfg.AIHourlyCap,
		MinSources: cfg.AIMinSources,
	}, metrics, logger)

	rules := service.NewRuleEngine(logger)

	validator := service.NewTruthValidator(rules, gate, service.ValidatorConfig{
		ConfidenceThreshold: cfg.AIConfidenceThreshold,
		RequireMultiSource:  cfg.RequireMultiSource,
	}, metrics, logger)

	var catalog []domain.APIConfig
	if cfg.SentinelCatalogFile != "" {
		catalog, err = service.LoadCatalog(cfg.SentinelCatalogFile, cfg.UpstreamBaseURL, cfg.SentinelCheckInterval)
		if err != nil {
			logger.Fatal("failed to load endpoint catalogue",
				zap.String("file", cfg.SentinelCatalogFile),
				zap.Error(err),
			)
		}
	}

	sentinel := service.NewApiSentinel(fetcher, validator, rules, service.SentinelConfig{
		CheckInterval:  cfg.SentinelCheckInterval,
		RequestTimeout: cfg.SentinelRequestTimeout,
		Catalog:        catalog,
		BaseURL:        cfg.UpstreamBaseURL,
	}, metrics, logger)
	sentinel.AutoDiscoverApis()

	// --- Router ---
	router := handler.NewRouter(sentinel, gate, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SentinelAutostart {
		sentinel.StartMonitoring(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")

		sentinel.StopMonitoring()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}
