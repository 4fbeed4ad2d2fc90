package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stayflow/stayflow/internal/wallet"
)

// RegisterWalletRoutes wires wallet balance and transaction endpoints.
func RegisterWalletRoutes(router fiber.Router, h *wallet.Handler) {
	wallets := router.Group("/wallets")

	wallets.Post("/", h.Create)
	wallets.Get("/:ownerID/:currency", h.Get)
	wallets.Post("/:ownerID/:currency/credit", h.Credit)
	wallets.Post("/:ownerID/:currency/debit", h.Debit)
	wallets.Post("/:ownerID/:currency/freeze", h.Freeze)
	wallets.Post("/:ownerID/:currency/unfreeze", h.Unfreeze)
	wallets.Get("/:ownerID/:currency/transactions", h.Transactions)
	wallets.Get("/:ownerID/:currency/summary", h.Summary)
	wallets.Get("/:ownerID/:currency/pending", h.PendingSettlements)
}
