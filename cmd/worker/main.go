package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/country"
	"github.com/enterprise/fraud-engine/internal/generator"
	"github.com/enterprise/fraud-engine/internal/geo"
	"github.com/enterprise/fraud-engine/internal/patterns"
	"github.com/enterprise/fraud-engine/internal/queue"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/scoring"
	"github.com/enterprise/fraud-engine/internal/services"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := configs.Load()

	// Setup logging
	setupLogging(cfg.Server.Environment)

	log.Info().
		Str("environment", cfg.Server.Environment).
		Int("concurrency", cfg.Worker.Concurrency).
		Msg("Starting Fraud Engine Worker")

	// Initialize database
	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Initialize Redis Stream client
	streamClient, err := queue.NewRedisStreamClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Stream")
	}
	defer streamClient.Close()

	// Initialize Redis Cache client
	cacheClient, err := queue.NewCacheClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis Cache")
	}
	defer cacheClient.Close()

	// The VPN list is a startup resource: refuse to run without it.
	blacklist, err := geo.LoadVPNBlacklist(cfg.Engine.VPNBlacklistPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Engine.VPNBlacklistPath).Msg("Failed to load VPN blacklist")
	}
	log.Info().Int("prefixes", blacklist.Size()).Msg("VPN blacklist loaded")

	// Initialize repositories
	txRepo := repositories.NewTransactionRepository(db)
	cardRepo := repositories.NewCardRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	patternRepo := repositories.NewPatternRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	// Initialize evaluation pipeline
	resolver := country.NewCachedResolverWithLimits(
		country.NewHTTPResolver(cfg.Resolver.BaseURL, cfg.Resolver.Timeout),
		cfg.Resolver.CacheEntries,
		cfg.Resolver.CacheTTL,
	)
	engine := scoring.NewEngine(resolver, blacklist, cfg.Engine.RuleWorkers)
	gen := generator.New(cardRepo, deviceRepo, txRepo, blacklist, 0)
	loader := scoring.NewSnapshotLoader(txRepo, deviceRepo)
	decisions := services.NewDecisionService(txRepo, cardRepo, alertRepo)
	builder := patterns.NewBuilder(txRepo, patternRepo, cacheClient)

	paymentService := services.NewPaymentService(
		db, gen, txRepo, loader, engine, decisions, builder, deviceRepo, auditRepo, streamClient,
	)

	// Create worker pool
	workerPool := scoring.NewWorkerPool(
		cfg.Worker.Concurrency,
		paymentService,
		streamClient,
		cfg.Worker,
	)

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start worker pool in goroutine
	errCh := make(chan error, 1)
	go func() {
		errCh <- workerPool.Start(ctx)
	}()

	// Expire old audit entries in the background
	if cfg.Worker.AuditRetention > 0 {
		go runAuditRetention(ctx, auditRepo, cfg.Worker.AuditRetention)
	}

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Worker pool error")
		}
	}

	log.Info().Msg("Worker shutdown complete")
}

// runAuditRetention deletes audit entries older than the retention window,
// once at startup and then daily.
func runAuditRetention(ctx context.Context, auditRepo *repositories.AuditRepository, retention time.Duration) {
	sweep := func() {
		deleted, err := auditRepo.DeleteBefore(ctx, time.Now().Add(-retention))
		if err != nil {
			log.Warn().Err(err).Msg("Audit retention sweep failed")
			return
		}
		if deleted > 0 {
			log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Expired audit entries removed")
		}
	}

	sweep()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return
		}
	}
}

func setupLogging(env string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
