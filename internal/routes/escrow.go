package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stayflow/stayflow/internal/escrow"
)

// RegisterEscrowRoutes wires escrow hold endpoints.
func RegisterEscrowRoutes(router fiber.Router, h *escrow.Handler) {
	holds := router.Group("/wallets/:ownerID/:currency/holds")

	holds.Post("/", h.CreateHold)
	holds.Get("/", h.Active)
	holds.Get("/:holdID", h.Get)
	holds.Post("/:holdID/release", h.Release)
	holds.Post("/:holdID/cancel", h.Cancel)
}
