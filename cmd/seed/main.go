// Command seed wipes the fraud dataset and reseeds it with a synthetic
// population of cards, devices and card-device links.
//
// Usage:
//
//	go run ./cmd/seed -cards 50 -devices 3 -seed 42
//
// A non-zero -seed makes the generated population reproducible; with the
// default of 0 the RNG is seeded from the clock. The seeded fixtures
// deliberately include near-expiry cards and shared devices so every
// detection rule has material to trigger on.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/repositories"
	"github.com/enterprise/fraud-engine/internal/services"
)

func main() {
	cards := flag.Int("cards", 50, "number of cards to create")
	devices := flag.Int("devices", 3, "maximum devices linked per card")
	seed := flag.Int64("seed", 0, "RNG seed, 0 seeds from the clock")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall operation timeout")
	flag.Parse()

	_ = godotenv.Load()
	cfg := configs.Load()
	setupLogging(cfg.Server.Environment)

	log.Info().
		Int("cards", *cards).
		Int("max_devices_per_card", *devices).
		Int64("seed", *seed).
		Msg("Seeding fraud dataset")

	db, err := repositories.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	cardRepo := repositories.NewCardRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	txRepo := repositories.NewTransactionRepository(db)
	alertRepo := repositories.NewAlertRepository(db)
	patternRepo := repositories.NewPatternRepository(db)
	auditRepo := repositories.NewAuditRepository(db)

	resetService := services.NewResetService(cardRepo, deviceRepo, txRepo, alertRepo, patternRepo, auditRepo, *seed)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	summary, err := resetService.Reset(ctx, &services.ResetRequest{
		Cards:             *cards,
		MaxDevicesPerCard: *devices,
		Seed:              *seed,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Seeding failed")
	}

	log.Info().
		Int("cards_created", summary.CardsCreated).
		Int("devices_created", summary.DevicesCreated).
		Int("links_created", summary.LinksCreated).
		Int64("duration_ms", summary.DurationMs).
		Msg("Dataset seeded")
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
