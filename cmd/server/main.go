package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caliphsdev/waterbalance/internal/config"
	"github.com/caliphsdev/waterbalance/internal/database"
	"github.com/caliphsdev/waterbalance/internal/events"
	"github.com/caliphsdev/waterbalance/internal/modules/balance"
	"github.com/caliphsdev/waterbalance/internal/modules/cache"
	"github.com/caliphsdev/waterbalance/internal/modules/facilities"
	"github.com/caliphsdev/waterbalance/internal/modules/licensing"
	"github.com/caliphsdev/waterbalance/internal/modules/timeseries"
	"github.com/caliphsdev/waterbalance/internal/modules/transfers"
	"github.com/caliphsdev/waterbalance/internal/scheduler"
	"github.com/caliphsdev/waterbalance/internal/server"
	"github.com/caliphsdev/waterbalance/pkg/logger"
)

func main() {
	log := logger.New(logger.Config{
		Level:  "info",
		Pretty: true,
		App:    "waterbalance",
	})

	log.Info().Msg("Starting water balance engine")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := initSchemas(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize schema")
	}

	eventManager := events.NewManager(log)
	appCache := cache.New(log)

	facilitiesRepo := facilities.NewRepository(db.Conn(), log)
	meters := timeseries.NewRepository(db.Conn(), timeseries.KindMeterReadings, cfg.MeterReadingsPath, log)
	flows := timeseries.NewRepository(db.Conn(), timeseries.KindFlowDiagram, cfg.FlowDiagramPath, log)

	// Dataset identity is established once at startup; later path changes
	// flow through the same hook and trigger a full cache clear
	appCache.OnSourcePathChange(string(timeseries.KindMeterReadings), cfg.MeterReadingsPath)
	appCache.OnSourcePathChange(string(timeseries.KindFlowDiagram), cfg.FlowDiagramPath)

	balanceRepo := balance.NewRepository(db.Conn(), facilitiesRepo, appCache, eventManager, log)
	overrides := balance.NewOverrideRepository(db.Conn(), log)
	moisture := balance.NewMoistureRepository(db.Conn(), log)

	calculator := balance.NewCalculator(
		facilitiesRepo, balanceRepo, meters, flows,
		overrides, moisture, appCache, eventManager, log,
	)

	transfersRepo := transfers.NewRepository(db.Conn(), log)
	engine := transfers.NewEngine(
		db.Conn(), facilitiesRepo, transfersRepo,
		appCache, eventManager, cfg.PumpTransfers, log,
	)

	licenseRepo := licensing.NewRepository(db.Conn(), log)
	licenseClient := licensing.NewClient(
		cfg.Licensing.WebhookURL, cfg.Licensing.APIKey,
		time.Duration(cfg.Licensing.RequestTimeoutSecs)*time.Second, log,
	)
	licenseManager := licensing.NewManager(licenseRepo, licenseClient, cfg.Licensing, eventManager, log)

	state, err := licenseManager.ValidateStartup()
	if err != nil {
		log.Fatal().Err(err).Msg("Startup license validation failed")
	}
	log.Info().Str("license_state", string(state)).Msg("License validated")

	ticker := licensing.NewTicker(licenseManager, log)
	ticker.Start()
	defer ticker.Stop()

	// Surface background license state changes as they land
	go func() {
		for s := range licenseManager.StateChanges() {
			log.Info().Str("state", string(s)).Msg("License state change observed")
		}
	}()

	sched := scheduler.New(log)
	sched.Start()
	defer sched.Stop()

	// 02:00 on the first of each month
	usageJob := scheduler.NewUsageReportJob(db.Conn(), transfersRepo, licenseManager, log)
	if err := sched.AddJob("0 0 2 1 * *", usageJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register usage report job")
	}
	// Daily revocation sweep at 03:30
	sweepJob := scheduler.NewRevocationSweepJob(licenseManager, log)
	if err := sched.AddJob("0 30 3 * * *", sweepJob); err != nil {
		log.Fatal().Err(err).Msg("Failed to register revocation sweep job")
	}

	srv := server.New(server.Config{
		Port:           cfg.Port,
		Log:            log,
		DB:             db,
		Calculator:     calculator,
		BalanceRepo:    balanceRepo,
		Overrides:      overrides,
		Moisture:       moisture,
		FacilitiesRepo: facilitiesRepo,
		Engine:         engine,
		TransfersRepo:  transfersRepo,
		LicenseManager: licenseManager,
		Cache:          appCache,
		Config:         cfg,
		DevMode:        cfg.DevMode,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}

// initSchemas creates every table the engine owns
func initSchemas(db *database.DB) error {
	conn := db.Conn()
	if err := facilities.InitSchema(conn); err != nil {
		return err
	}
	if err := timeseries.InitSchema(conn); err != nil {
		return err
	}
	if err := balance.InitSchema(conn); err != nil {
		return err
	}
	if err := balance.InitOverridesSchema(conn); err != nil {
		return err
	}
	if err := transfers.InitSchema(conn); err != nil {
		return err
	}
	return licensing.InitSchema(conn)
}
