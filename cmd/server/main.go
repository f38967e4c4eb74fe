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

	"github.com/thaitrn/musicgen-docker/internal/api"
	"github.com/thaitrn/musicgen-docker/internal/config"
	"github.com/thaitrn/musicgen-docker/internal/inference"
	"github.com/thaitrn/musicgen-docker/internal/modelcache"
	"github.com/thaitrn/musicgen-docker/internal/musicgen"
	"github.com/thaitrn/musicgen-docker/internal/observability"
	"github.com/thaitrn/musicgen-docker/internal/pipeline"
	"github.com/thaitrn/musicgen-docker/internal/publish"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("inference_url", cfg.InferenceURL).
		Str("publisher", cfg.PublisherBackend).
		Str("default_model", cfg.DefaultModelSize).
		Int("max_resident_models", cfg.MaxResidentModels).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("MusicGen service starting")

	runtime := inference.NewHTTPRuntime(cfg, logger)

	// Models load lazily on first request and stay resident until shutdown.
	cache, err := modelcache.New(runtime, modelcache.OptionsFromConfig(cfg), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create model cache")
	}

	publisher := publish.New(cfg, logger)

	defaultVariant, _ := musicgen.ParseVariant(cfg.DefaultModelSize)
	validator := musicgen.NewValidator(musicgen.Limits{
		MaxPromptLength: cfg.MaxPromptLength,
		MaxDuration:     cfg.MaxDuration,
		DefaultVariant:  defaultVariant,
	})

	service := pipeline.NewService(
		validator,
		cache,
		inference.NewExecutor(cfg.GenerationTimeoutDuration()),
		publisher,
		cfg.TempDir,
	)

	router := api.NewRouter(api.NewHandlers(service, cfg.MaxRequestBytes), api.RouterOptions{
		ServiceName:    cfg.ServiceName,
		MetricsEnabled: cfg.MetricsEnabled,
		Readiness: map[string]observability.HealthCheckFunc{
			"inference": runtime.Ping,
		},
	}, logger)

	// A cold request may load weights and then generate, so the write
	// deadline covers both budgets.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.ModelLoadTimeoutDuration() + cfg.GenerationTimeoutDuration() + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Generations still running past the shutdown deadline keep their models
	// leased; those are unloaded when the last lease is released.
	unloadCtx, cancelUnload := context.WithTimeout(context.Background(), cfg.ModelLoadTimeoutDuration())
	defer cancelUnload()

	if err := cache.Close(unloadCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to unload models")
	}
	if err := publisher.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close publisher")
	}

	stats := cache.Stats()
	breakerState, sidecarCalls, sidecarFailures, _ := runtime.CircuitBreaker().GetStats()
	logger.Info().
		Int64("model_loads", stats.Loads).
		Int64("cache_hits", stats.Hits).
		Int64("load_failures", stats.Failures).
		Str("inference_breaker", breakerState.String()).
		Int64("inference_calls", sidecarCalls).
		Int64("inference_failures", sidecarFailures).
		Msg("Server exited gracefully")
}
