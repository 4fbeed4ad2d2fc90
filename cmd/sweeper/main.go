package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stayflow/stayflow/internal/config"
	"github.com/stayflow/stayflow/internal/escrow"
	"github.com/stayflow/stayflow/internal/events"
	"github.com/stayflow/stayflow/internal/id"
	"github.com/stayflow/stayflow/internal/infra"
	"github.com/stayflow/stayflow/internal/ledger"
	"github.com/stayflow/stayflow/internal/logging"
	"github.com/stayflow/stayflow/internal/reconciliation"
)

// The sweeper runs the background loops: cancelling expired escrow holds on
// a short interval and reconciling every wallet on a long one. It shares the
// database with the API but runs as its own process.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := ledger.NewPostgresStore(db)
	financial := events.NewPostgresFinancialStore(db)
	ids := id.UUIDGenerator{}

	bus := events.NewBus(logger, cfg.EventBusBuffer)
	bus.SubscribeAll(events.LogSubscriber(logger))
	defer bus.Close()

	escrowSvc := escrow.NewService(store, ids, bus, financial, logger)
	engine := reconciliation.NewEngine(store,
		reconciliation.NewPostgresExternalSource(db),
		reconciliation.NewPostgresReportStore(db),
		ids, financial, logger)

	sweepTicker := time.NewTicker(cfg.SweepInterval)
	defer sweepTicker.Stop()
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	logger.Info("sweeper started",
		"sweep_interval", cfg.SweepInterval.String(),
		"reconcile_interval", cfg.ReconcileInterval.String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper exiting")
			return
		case <-sweepTicker.C:
			swept, err := escrowSvc.ExpireHolds(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("expire holds", "error", err)
				continue
			}
			if swept > 0 {
				logger.Info("expired holds cancelled", "count", swept)
			}
		case <-reconcileTicker.C:
			summary, err := engine.ReconcileAll(ctx)
			if err != nil {
				logger.Error("reconcile all", "error", err)
				continue
			}
			logger.Info("reconciliation pass completed",
				"total", summary.Total,
				"reconciled", summary.Reconciled,
				"discrepancies", summary.Discrepancies,
				"critical", summary.Critical,
				"failed", summary.Failed)
		}
	}
}
