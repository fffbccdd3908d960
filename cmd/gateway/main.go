package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/completion"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/handlers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/keys"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/registry"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/usage"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/gateway/warmup"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/config"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/database"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/logger"
	"github.com/mrmushfiq/llm0-inference-gateway/internal/shared/redis"
)

func main() {
	createKey := flag.Bool("create-key", false, "create an API key, print it and exit")
	keyName := flag.String("name", "default", "name for the key created with -create-key")
	perMinute := flag.Int("per-minute", 60, "requests per minute for -create-key (0 = unlimited)")
	perHour := flag.Int("per-hour", 1000, "requests per hour for -create-key (0 = unlimited)")
	revokeKey := flag.String("revoke-key", "", "deactivate the API key with this id and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.StoreDriver, cfg.DatabaseDSN())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer db.Close()
	log.Info("✓ Connected to store", zap.String("driver", cfg.StoreDriver))

	// Initialize Redis (optional)
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.New(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		log.Info("✓ Connected to Redis")
	}

	switch {
	case *createKey:
		rawKey, apiKey, err := db.CreateAPIKey(ctx, *keyName, *perMinute, *perHour)
		if err != nil {
			log.Fatal("Failed to create API key", zap.Error(err))
		}
		fmt.Printf("id:  %s\nkey: %s\n", apiKey.ID, rawKey)
		return
	case *revokeKey != "":
		if err := db.SetAPIKeyActive(ctx, *revokeKey, false); err != nil {
			log.Fatal("Failed to revoke API key", zap.Error(err))
		}
		// running gateways drop their cached copy of the key
		if redisClient != nil {
			if err := redisClient.Publish(ctx, cfg.RegistryInvalidateChannel, "keys"); err != nil {
				log.Warn("Failed to publish invalidation", zap.Error(err))
			}
		}
		log.Info("API key revoked", zap.String("api_key_id", *revokeKey))
		return
	}

	log.Info("Starting LLM inference gateway", zap.String("port", cfg.Port), zap.String("env", cfg.Env))

	// Model registry
	var modelSource registry.Source = db
	if cfg.ModelsFile != "" {
		modelSource = registry.NewFileSource(cfg.ModelsFile)
	}
	models := registry.New(modelSource, cfg.RegistryRefreshInterval, log.Named("registry"))
	if err := models.Refresh(ctx); err != nil {
		// Resolve retries the load on first use
		log.Warn("Initial model registry load failed", zap.Error(err))
	}
	go models.Run(ctx)
	log.Info("✓ Initialized model registry", zap.String("models_file", cfg.ModelsFile))

	// Keys & rate limiting
	keyStore := keys.NewStore(db, cfg.KeyCacheTTL)

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedis(redisClient)
	} else {
		memory := ratelimit.NewMemory()
		go memory.RunSweeper(ctx, time.Minute)
		limiter = memory
	}
	log.Info("✓ Initialized rate limiter", zap.String("backend", cfg.RateLimitBackend))

	// Initialize provider manager. Deadlines come from the call context.
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        256,
			MaxIdleConnsPerHost: 64,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	providerMgr := providers.NewManager(
		providers.NewBatchingEngine(httpClient),
		providers.NewLocalServer(httpClient, log.Named("ollama")),
	)
	log.Info("✓ Initialized providers")

	recorder := usage.NewRecorder(db, usage.Config{
		BufferSize:    cfg.UsageBufferSize,
		BatchSize:     cfg.UsageBatchSize,
		FlushInterval: cfg.UsageFlushInterval,
	}, log.Named("usage"))

	opts := completion.Options{
		Keys:           keyStore,
		Limiter:        limiter,
		Models:         models,
		Adapters:       providerMgr,
		Recorder:       recorder,
		BackendTimeout: cfg.BackendTimeout,
		StreamTimeout:  cfg.StreamTimeout,
		Logger:         log.Named("completion"),
	}
	if cfg.CacheEnabled {
		opts.Cache = cache.New(redisClient, time.Duration(cfg.CacheTTLSeconds)*time.Second)
		log.Info("✓ Initialized cache")
	}
	gateway := completion.New(opts)

	if cfg.WarmupEnabled {
		prober := warmup.NewProber(gateway, models, warmup.Config{
			Interval:        cfg.WarmupInterval,
			Timeout:         cfg.WarmupTimeout,
			Prompt:          cfg.WarmupPrompt,
			MaxTokens:       cfg.WarmupMaxTokens,
			Concurrency:     cfg.WarmupConcurrency,
			ProbesPerSecond: cfg.WarmupProbesPerSecond,
			APIKey:          cfg.WarmupAPIKey,
		}, nil, log.Named("warmup"))
		go prober.Run(ctx)
	}

	invalidate := func(reason string) {
		log.Info("Invalidating registry and key cache", zap.String("reason", reason))
		models.Invalidate()
		keyStore.Forget()
	}

	if redisClient != nil {
		messages, err := redisClient.Subscribe(ctx, cfg.RegistryInvalidateChannel)
		if err != nil {
			log.Warn("Registry invalidation channel unavailable", zap.Error(err))
		} else {
			go func() {
				for msg := range messages {
					invalidate("redis:" + msg)
				}
			}()
		}
	}

	// HTTP server. No write timeout: streams are bounded by STREAM_TIMEOUT.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(gateway, models, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info("🚀 Server listening", zap.String("addr", "http://localhost:"+cfg.Port))
		log.Info("   POST /v1/chat/completions - Chat completions (OpenAI-compatible)")
		log.Info("   GET  /v1/models           - Servable models")
		log.Info("   GET  /health              - Health check")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal; SIGHUP reloads models and keys
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			invalidate("sighup")
			continue
		}
		break
	}

	log.Info("Shutting down gracefully...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown error", zap.Error(err))
	}
	cancel()

	if err := recorder.Close(shutdownCtx); err != nil {
		log.Error("Failed to flush request logs", zap.Error(err))
	}
	written, dropped, failed := recorder.Stats()
	log.Info("Server stopped",
		zap.Int64("logs_written", written), zap.Int64("logs_dropped", dropped), zap.Int64("logs_failed", failed))
}
