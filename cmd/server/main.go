package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"kiosk-hub/internal/admission"
	"kiosk-hub/internal/alert"
	"kiosk-hub/internal/auth"
	"kiosk-hub/internal/config"
	"kiosk-hub/internal/db"
	"kiosk-hub/internal/fleet"
	"kiosk-hub/internal/hub"
	"kiosk-hub/internal/logs"
	"kiosk-hub/internal/notify"
	"kiosk-hub/internal/redemption"
	"kiosk-hub/internal/server"
	"kiosk-hub/internal/socketio"
	"kiosk-hub/internal/store"
	"kiosk-hub/internal/validate"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logs.New(logs.Options{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gin.SetMode(cfg.GinMode)

	gdb, err := db.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	st := store.New(gdb)

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "kiosk-hub",
	}

	registry := hub.NewRegistry(logger)
	correlator := hub.NewCorrelator(registry, hub.CorrelatorOptions{
		DefaultTimeout: time.Duration(cfg.Scan.DefaultTimeoutMs) * time.Millisecond,
		MaxTimeout:     time.Duration(cfg.Scan.MaxTimeoutMs) * time.Millisecond,
		CancelEvent:    socketio.EventScanCancel,
		Logger:         logger,
	})

	pushOpts := notify.Options(cfg.Push.PublicKey, cfg.Push.PrivateKey, cfg.Push.Subject, cfg.Push.TTL)
	if pushOpts == nil {
		logger.Info("web push disabled, no VAPID keys configured")
	}
	workers := notify.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, registry, st, pushOpts, logger)
	workers.Start(ctx)

	alerts := alert.NewEngine(st, workers, logger)
	fleetSvc := fleet.NewService(st, alerts, workers, fleet.Config{
		SharedSecret:    cfg.Machines.SharedSecret,
		DefaultCapacity: cfg.Machines.StockCapacity,
		Thresholds: alert.Thresholds{
			StockWarningPercent:  cfg.Alerts.StockWarningPercent,
			StockCriticalPercent: cfg.Alerts.StockCriticalPercent,
			OfflineAfter:         cfg.Machines.OfflineAfter,
		},
	}, logger)
	go fleet.NewMonitor(fleetSvc, cfg.Machines.SweepInterval).Run(ctx)

	pipeline := admission.NewPipeline(st, workers, admission.Rules{
		PerGram:  cfg.Points.PerGram,
		PerSheet: cfg.Points.PerSheet,
		Bounds: validate.Bounds{
			MinWeight: cfg.Points.MinWeight,
			MaxWeight: cfg.Points.MaxWeight,
			MinCount:  cfg.Points.MinCount,
			MaxCount:  cfg.Points.MaxCount,
		},
	}, logger)
	queue := redemption.NewQueue(st, workers, redemption.Config{
		PrimaryMachineID: cfg.Machines.PrimaryMachineID,
		PageSize:         cfg.Redemption.PageSize,
		Rewards:          cfg.Redemption.Rewards,
	}, logger)

	socket := socketio.NewServer(socketio.Deps{
		Registry:    registry,
		Correlator:  correlator,
		Machines:    fleetSvc,
		Redemptions: queue,
		Users:       st,
		TokenConfig: tokenCfg,
		Logger:      logger,
	})

	router := server.NewRouter(server.Deps{
		Store:       st,
		Registry:    registry,
		Fleet:       fleetSvc,
		Pipeline:    pipeline,
		Queue:       queue,
		Alerts:      alerts,
		Notifier:    workers,
		Socket:      socket,
		TokenConfig: tokenCfg,
		HTTP:        cfg.HTTP,
		Logger:      logger,
	})

	logger.Info("listening", slog.String("addr", fmt.Sprintf(":%d", cfg.Port)))
	return server.Run(ctx, cfg, router)
}
