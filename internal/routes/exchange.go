package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stayflow/stayflow/internal/exchange"
)

// RegisterExchangeRoutes wires multi-currency endpoints.
func RegisterExchangeRoutes(router fiber.Router, h *exchange.Handler) {
	owners := router.Group("/owners/:ownerID")

	owners.Get("/wallets", h.Wallets)
	owners.Post("/currencies", h.Enable)
	owners.Post("/exchange", h.Exchange)
	owners.Post("/balance/consolidated", h.Consolidated)
	owners.Get("/exchange/:currency/history", h.History)
}
