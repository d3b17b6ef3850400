package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sjsage522/dealingester/config"
	"sjsage522/dealingester/helpers"
	"sjsage522/dealingester/internal/extract"
	"sjsage522/dealingester/internal/ingest"
	"sjsage522/dealingester/internal/renderer"
	"sjsage522/dealingester/logger"
	"sjsage522/dealingester/services/cache"
	"sjsage522/dealingester/services/publisher"
	"sjsage522/dealingester/services/store"
	"sjsage522/dealingester/services/worker"

	"github.com/joho/godotenv"
)

func main() {
	// Load environment variables
	godotenv.Load()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Dur("crawl_interval", cfg.CrawlInterval).
		Int("concurrency", cfg.Concurrency).
		Bool("force", cfg.ForceCrawl).
		Msg("Starting application")

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Initialize services
	services, err := initializeServices(ctx, &cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer services.Cleanup()

	// Wire the ingest pipeline
	orchestrator := ingest.NewOrchestrator(
		services.Store,
		services.Chrome,
		renderer.NewHTTPRenderer(),
		services.Extractor,
		cache.NewBlocker(services.Cache),
		services.Publisher,
		ingest.Config{
			Concurrency:      cfg.Concurrency,
			RenderTimeout:    cfg.RenderTimeout,
			RenderWaitStable: cfg.RenderWaitStable,
			ExtractTimeout:   cfg.ExtractTimeout,
			TargetTimeout:    cfg.TargetTimeout,
			RetryMaxAttempts: cfg.RetryMaxAttempts,
			RetryBaseBackoff: cfg.RetryBaseBackoff,
			MissThreshold:    cfg.MissThreshold,
			RunStaleAfter:    cfg.RunStaleAfter,
			BlockCooldown:    cfg.BlockCooldown,
		},
	)

	// Create and start worker
	w := worker.NewWorker(
		ctx,
		orchestrator,
		services.Publisher,
		helpers.NewLogger(),
		cfg.CrawlInterval,
		cfg.ForceCrawl,
		cfg.RunOnce,
	)

	// Start worker in a goroutine
	workerDone := make(chan error, 1)
	go func() {
		log.Info().Msg("Starting deal ingester")
		err := w.Start()
		workerDone <- err
	}()

	// Wait for shutdown signal or worker exit
	select {
	case sig := <-sigChan:
		log.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		cancel()
		<-workerDone
	case err := <-workerDone:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Worker exited with error")
		} else {
			log.Info().Msg("Worker exited normally")
		}
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down gracefully...")
}

// Services holds all the initialized services
type Services struct {
	Store     store.Store
	Cache     cache.CacheService
	Publisher publisher.Publisher
	Chrome    renderer.Renderer
	Extractor extract.Extractor
}

// Cleanup cleans up all services
func (s *Services) Cleanup() {
	if s.Chrome != nil {
		s.Chrome.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}

// initializeServices initializes all required services
func initializeServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	services := &Services{}

	// Initialize datastore
	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	services.Store = pg

	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Connected to Postgres")

	// Initialize cache service
	cacheService := cache.NewMemcacheService(cfg.MemcacheAddr)
	if cacheService == nil {
		return nil, fmt.Errorf("failed to create cache service")
	}
	services.Cache = cacheService

	logger.Info("Connected to Memcache at %s", cfg.MemcacheAddr)

	// Initialize publisher
	redisPublisher := publisher.NewRedisPublisher(
		ctx,
		cfg.RedisAddr,
		cfg.RedisDB,
		cfg.RedisStream,
		cfg.RedisStreamCount,
		cfg.RedisStreamMaxLength,
	)
	if redisPublisher == nil {
		return nil, fmt.Errorf("failed to create redis publisher")
	}
	services.Publisher = redisPublisher

	logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
		cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)

	// Initialize renderers
	services.Chrome = renderer.NewChromeRenderer(cfg.ChromeExecPath, cfg.Concurrency)

	// Initialize extraction client
	services.Extractor = extract.NewClient(extract.ClientConfig{
		URL:      cfg.ExtractorURL,
		APIKey:   cfg.ExtractorAPIKey,
		Model:    cfg.ExtractorModel,
		MaxInput: cfg.ExtractorMaxInput,
		Timeout:  cfg.ExtractTimeout,
	})

	return services, nil
}
