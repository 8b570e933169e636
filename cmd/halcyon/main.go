package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/halcyon-ai/halcyon/internal/auth"
	"github.com/halcyon-ai/halcyon/internal/breaker"
	"github.com/halcyon-ai/halcyon/internal/config"
	"github.com/halcyon-ai/halcyon/internal/inference"
	"github.com/halcyon-ai/halcyon/internal/ledger"
	"github.com/halcyon-ai/halcyon/internal/model"
	"github.com/halcyon-ai/halcyon/internal/pipeline"
	"github.com/halcyon-ai/halcyon/internal/queue"
	"github.com/halcyon-ai/halcyon/internal/ratelimit"
	"github.com/halcyon-ai/halcyon/internal/server"
	"github.com/halcyon-ai/halcyon/internal/source"
	"github.com/halcyon-ai/halcyon/internal/storage"
	"github.com/halcyon-ai/halcyon/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("HALCYON_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("halcyon starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run migrations (dev mode only; production uses a migration tool).
	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, os.DirFS("migrations")); err != nil {
		slog.Warn("migrations failed", "error", err)
	}

	// Create the breaker registry with one breaker per external dependency.
	// The sweep alert only logs; the health endpoint is the live surface.
	registry := breaker.NewRegistry(logger, cfg.BreakerSweepInterval, func(name string, h breaker.Health) {
		logger.Warn("breaker unhealthy", "name", name, "state", h.State,
			"failure_ratio", h.Metrics.FailureRatio)
	})
	for _, bc := range []breaker.Config{
		{
			Name:              pipeline.ContentBreaker,
			FailureThreshold:  cfg.ContentBreaker.FailureThreshold,
			MinimumThroughput: cfg.ContentBreaker.MinimumThroughput,
			ResetTimeout:      cfg.ContentBreaker.ResetTimeout,
			MonitoringPeriod:  cfg.ContentBreaker.MonitoringPeriod,
		},
		{
			Name:              pipeline.InferenceBreaker,
			FailureThreshold:  cfg.InferenceBreaker.FailureThreshold,
			MinimumThroughput: cfg.InferenceBreaker.MinimumThroughput,
			ResetTimeout:      cfg.InferenceBreaker.ResetTimeout,
			MonitoringPeriod:  cfg.InferenceBreaker.MonitoringPeriod,
		},
	} {
		if err := registry.Create(bc); err != nil {
			return fmt.Errorf("breaker %s: %w", bc.Name, err)
		}
	}
	registry.StartSweep()
	defer registry.StopSweep()

	// Create the cost ledger and its abort guard.
	meter := ledger.New(db, ledger.PriceTable{
		model.KindExternalRequest: cfg.PriceExternalRequest,
		model.KindInferenceTokens: cfg.PriceInferenceToken,
		model.KindAncillaryCall:   cfg.PriceAncillaryCall,
	}, logger)
	guard := ledger.NewGuard(meter, cfg.BudgetAbortThreshold)

	// Create and start the queue monitor.
	monitor, err := queue.NewMonitor(db, queue.Config{
		SweepInterval:  cfg.QueueSweepInterval,
		StuckThreshold: cfg.QueueStuckThreshold,
		RetentionAge:   cfg.QueueRetentionAge,
	}, logger)
	if err != nil {
		return fmt.Errorf("queue monitor: %w", err)
	}
	monitor.Start()
	defer monitor.Stop()

	// Create content and inference providers.
	collector := newCollector(cfg, logger)
	analyzer := newAnalyzer(cfg, logger)

	// Create the run orchestrator.
	orchestrator, err := pipeline.New(db, registry, meter, guard, monitor, collector, analyzer, logger)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// Admin key verification for /v1/admin.
	verifier, err := auth.NewAdminVerifier(cfg.AdminAPIKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if !verifier.Enabled() {
		logger.Warn("admin surface disabled (no HALCYON_ADMIN_API_KEY)")
	}

	// Rate limiter for run submission.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_second", cfg.RateLimitPerSecond, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Create and start the HTTP server.
	handlers := server.NewHandlers(server.HandlersDeps{
		Store:    db,
		Registry: registry,
		Meter:    meter,
		Monitor:  monitor,
		Executor: orchestrator,
		Logger:   logger,
		Version:  version,
	})
	srv := server.New(server.Config{
		Handlers:            handlers,
		Verifier:            verifier,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests first, then the deferred
	// monitor and sweep stops run. In-flight runs keep their own deadlines.
	slog.Info("halcyon shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("halcyon stopped")
	return nil
}

// newCollector picks the content provider. Selection: "http", "noop", or
// "auto" (default), which uses HTTP when a content API URL is configured.
func newCollector(cfg config.Config, logger *slog.Logger) source.Collector {
	switch cfg.ContentProvider {
	case "http":
		if cfg.ContentAPIURL == "" {
			logger.Error("HALCYON_CONTENT_API_URL required when HALCYON_CONTENT_PROVIDER=http")
			return source.Static{}
		}
		logger.Info("content provider: http", "url", cfg.ContentAPIURL)
		return source.NewHTTPCollector(cfg.ContentAPIURL, cfg.ContentAPIKey, cfg.ContentTimeout)
	case "noop":
		logger.Info("content provider: noop (canned documents)")
		return source.Static{}
	default:
		if cfg.ContentAPIURL != "" {
			logger.Info("content provider: http (auto-detected)", "url", cfg.ContentAPIURL)
			return source.NewHTTPCollector(cfg.ContentAPIURL, cfg.ContentAPIKey, cfg.ContentTimeout)
		}
		logger.Warn("no content API configured, using noop provider")
		return source.Static{}
	}
}

// newAnalyzer picks the inference provider with the same selection rules as
// newCollector.
func newAnalyzer(cfg config.Config, logger *slog.Logger) inference.Analyzer {
	switch cfg.InferenceProvider {
	case "http":
		if cfg.InferenceAPIURL == "" {
			logger.Error("HALCYON_INFERENCE_API_URL required when HALCYON_INFERENCE_PROVIDER=http")
			return inference.Echo{}
		}
		logger.Info("inference provider: http", "url", cfg.InferenceAPIURL, "model", cfg.InferenceModel)
		return inference.NewHTTPAnalyzer(cfg.InferenceAPIURL, cfg.InferenceAPIKey, cfg.InferenceModel, cfg.InferenceTimeout)
	case "noop":
		logger.Info("inference provider: noop (echo)")
		return inference.Echo{}
	default:
		if cfg.InferenceAPIURL != "" {
			logger.Info("inference provider: http (auto-detected)", "url", cfg.InferenceAPIURL, "model", cfg.InferenceModel)
			return inference.NewHTTPAnalyzer(cfg.InferenceAPIURL, cfg.InferenceAPIKey, cfg.InferenceModel, cfg.InferenceTimeout)
		}
		logger.Warn("no inference API configured, using echo provider")
		return inference.Echo{}
	}
}
