package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stayflow/stayflow/internal/config"
	"github.com/stayflow/stayflow/internal/escrow"
	"github.com/stayflow/stayflow/internal/events"
	"github.com/stayflow/stayflow/internal/exchange"
	"github.com/stayflow/stayflow/internal/id"
	"github.com/stayflow/stayflow/internal/ledger"
	"github.com/stayflow/stayflow/internal/middleware"
	"github.com/stayflow/stayflow/internal/reconciliation"
	"github.com/stayflow/stayflow/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))
	if d.Cache != nil {
		app.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	// Health
	RegisterHealthRoutes(app, d)

	// Storage backends
	var (
		store     ledger.Store
		financial events.FinancialStore
		reports   reconciliation.ReportStore
		source    reconciliation.ExternalSource
	)
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		financial = events.NewPostgresFinancialStore(d.DB)
		reports = reconciliation.NewPostgresReportStore(d.DB)
		source = reconciliation.NewPostgresExternalSource(d.DB)
	} else {
		store = ledger.NewInMemory()
		financial = events.NewInMemoryFinancialStore()
		reports = reconciliation.NewInMemoryReportStore()
		source = reconciliation.NewInMemoryExternalSource()
	}

	// Event bus, drained on shutdown.
	bus := events.NewBus(d.Logger, d.Cfg.EventBusBuffer)
	bus.SubscribeAll(events.LogSubscriber(d.Logger))
	app.Hooks().OnShutdown(func() error {
		bus.Close()
		return nil
	})

	ids := id.UUIDGenerator{}

	// Services and handlers
	walletSvc := wallet.NewService(store, ids, bus, financial, d.Logger)
	escrowSvc := escrow.NewService(store, ids, bus, financial, d.Logger)
	exchangeSvc := exchange.NewService(store, ids, bus, financial, d.Logger)
	reconcileEngine := reconciliation.NewEngine(store, source, reports, ids, financial, d.Logger)

	walletHandler := wallet.NewHandler(walletSvc)
	escrowHandler := escrow.NewHandler(escrowSvc)
	exchangeHandler := exchange.NewHandler(exchangeSvc)
	reconcileHandler := reconciliation.NewHandler(reconcileEngine)

	// API routes
	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterWalletRoutes(api, walletHandler)
	RegisterEscrowRoutes(api, escrowHandler)
	RegisterExchangeRoutes(api, exchangeHandler)

	reconcileLimiter := middleware.RateLimit(d.Cache, "reconcile", d.Cfg.ReconcileRateLimit)
	RegisterReconciliationRoutes(api, reconcileHandler, reconcileLimiter)

	return nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local":
		return true
	default:
		return false
	}
}
