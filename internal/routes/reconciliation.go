package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stayflow/stayflow/internal/reconciliation"
)

// RegisterReconciliationRoutes wires reconciliation endpoints. The full pass
// is rate limited since it scans every wallet.
func RegisterReconciliationRoutes(router fiber.Router, h *reconciliation.Handler, limiter fiber.Handler) {
	rec := router.Group("/reconciliation")

	rec.Post("/wallets/:ownerID/:currency", h.ReconcileWallet)
	rec.Post("/run", limiter, h.ReconcileAll)
	rec.Get("/reports", h.History)
	rec.Get("/stats", h.Stats)
}
