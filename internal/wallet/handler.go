package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/ledger"
)

// Handler exposes wallet endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createWalletRequest struct {
	OwnerID        string `json:"owner_id"`
	Currency       string `json:"currency"`
	InitialBalance string `json:"initial_balance"`
}

// Create provisions a wallet for an owner+currency pair.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createWalletRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	initial := decimal.Zero
	if req.InitialBalance != "" {
		var err error
		initial, err = decimal.NewFromString(req.InitialBalance)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid initial_balance")
		}
	}

	wallet, err := h.service.CreateWallet(c.UserContext(), CreateWalletInput{
		OwnerID:        req.OwnerID,
		Currency:       req.Currency,
		InitialBalance: initial,
	})
	if err != nil {
		return mapLedgerError(err)
	}

	return c.Status(http.StatusCreated).JSON(walletResponse(wallet))
}

type mutationRequest struct {
	Amount        string         `json:"amount"`
	Source        string         `json:"source"`
	Description   string         `json:"description"`
	ReferenceID   string         `json:"reference_id"`
	ReferenceType string         `json:"reference_type"`
	Metadata      map[string]any `json:"metadata"`
}

// Credit adds funds to a wallet.
func (h *Handler) Credit(c *fiber.Ctx) error {
	in, err := h.mutationInput(c)
	if err != nil {
		return err
	}

	tx, err := h.service.Credit(c.UserContext(), in)
	if err != nil {
		return mapLedgerError(err)
	}
	return c.Status(http.StatusCreated).JSON(transactionResponse(tx))
}

// Debit removes funds from a wallet.
func (h *Handler) Debit(c *fiber.Ctx) error {
	in, err := h.mutationInput(c)
	if err != nil {
		return err
	}

	tx, err := h.service.Debit(c.UserContext(), in)
	if err != nil {
		return mapLedgerError(err)
	}
	return c.Status(http.StatusCreated).JSON(transactionResponse(tx))
}

type statusRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// Freeze blocks wallet mutations.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	wallet, err := h.service.Freeze(c.UserContext(), c.Params("ownerID"), c.Params("currency"), req.Reason, req.Actor)
	if err != nil {
		return mapLedgerError(err)
	}
	return c.JSON(walletResponse(wallet))
}

// Unfreeze restores a frozen wallet.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	var req statusRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	wallet, err := h.service.Unfreeze(c.UserContext(), c.Params("ownerID"), c.Params("currency"), req.Reason, req.Actor)
	if err != nil {
		return mapLedgerError(err)
	}
	return c.JSON(walletResponse(wallet))
}

// Get returns the wallet balance snapshot.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.service.Wallet(c.UserContext(), c.Params("ownerID"), c.Params("currency"))
	if err != nil {
		return mapLedgerError(err)
	}
	return c.JSON(walletResponse(wallet))
}

// Transactions lists the wallet transaction history, newest first.
func (h *Handler) Transactions(c *fiber.Ctx) error {
	filter := ledger.TransactionFilter{
		Type:   ledger.TxType(c.Query("type")),
		Source: ledger.TxSource(c.Query("source")),
		Status: ledger.TxStatus(c.Query("status")),
		Limit:  c.QueryInt("limit", 50),
		Offset: c.QueryInt("offset", 0),
	}

	txs, total, err := h.service.Transactions(c.UserContext(), c.Params("ownerID"), c.Params("currency"), filter)
	if err != nil {
		return mapLedgerError(err)
	}

	items := make([]fiber.Map, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionResponse(tx))
	}
	return c.JSON(fiber.Map{"transactions": items, "total": total})
}

// Summary returns aggregate earnings, payouts and recent activity.
func (h *Handler) Summary(c *fiber.Ctx) error {
	summary, err := h.service.Summary(c.UserContext(), c.Params("ownerID"), c.Params("currency"))
	if err != nil {
		return mapLedgerError(err)
	}

	recent := make([]fiber.Map, 0, len(summary.RecentTransactions))
	for _, tx := range summary.RecentTransactions {
		recent = append(recent, transactionResponse(tx))
	}
	return c.JSON(fiber.Map{
		"wallet":              walletResponse(summary.Wallet),
		"total_earnings":      summary.TotalEarnings,
		"total_payouts":       summary.TotalPayouts,
		"transaction_count":   summary.TransactionCount,
		"recent_transactions": recent,
	})
}

// PendingSettlements lists pending transactions and their total.
func (h *Handler) PendingSettlements(c *fiber.Ctx) error {
	pending, total, err := h.service.PendingSettlements(c.UserContext(), c.Params("ownerID"), c.Params("currency"))
	if err != nil {
		return mapLedgerError(err)
	}

	items := make([]fiber.Map, 0, len(pending))
	for _, tx := range pending {
		items = append(items, transactionResponse(tx))
	}
	return c.JSON(fiber.Map{"pending": items, "total_amount": total})
}

func (h *Handler) mutationInput(c *fiber.Ctx) (TransactionInput, error) {
	var req mutationRequest
	if err := c.BodyParser(&req); err != nil {
		return TransactionInput{}, fiber.NewError(http.StatusBadRequest, err.Error())
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return TransactionInput{}, fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	return TransactionInput{
		OwnerID:       c.Params("ownerID"),
		Currency:      c.Params("currency"),
		Amount:        amount,
		Source:        ledger.TxSource(req.Source),
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Metadata:      req.Metadata,
		Actor:         actor(c),
	}, nil
}

func walletResponse(w ledger.Wallet) fiber.Map {
	return fiber.Map{
		"id":                  w.ID,
		"owner_id":            w.OwnerID,
		"currency":            w.Currency,
		"balance":             w.Balance,
		"available_balance":   w.AvailableBalance,
		"pending_balance":     w.PendingBalance,
		"status":              w.Status,
		"last_transaction_at": w.LastTransactionAt,
		"created_at":          w.CreatedAt,
		"updated_at":          w.UpdatedAt,
	}
}

func transactionResponse(tx ledger.Transaction) fiber.Map {
	return fiber.Map{
		"transaction_id": tx.TransactionID,
		"wallet_id":      tx.WalletID,
		"type":           tx.Type,
		"source":         tx.Source,
		"amount":         tx.Amount,
		"currency":       tx.Currency,
		"balance_after":  tx.BalanceAfter,
		"status":         tx.Status,
		"description":    tx.Description,
		"reference_id":   tx.ReferenceID,
		"reference_type": tx.ReferenceType,
		"metadata":       tx.Metadata,
		"processed_at":   tx.ProcessedAt,
		"created_at":     tx.CreatedAt,
	}
}

func actor(c *fiber.Ctx) string {
	if v := c.Get("X-Actor-ID"); v != "" {
		return v
	}
	return ""
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrWalletExists):
		return fiber.NewError(http.StatusConflict, "wallet already exists")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusBadRequest, "insufficient available balance")
	case errors.Is(err, ledger.ErrWalletNotActive):
		return fiber.NewError(http.StatusForbidden, "wallet is not active")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, "amount must be positive")
	case errors.Is(err, ledger.ErrHoldNotFound):
		return fiber.NewError(http.StatusNotFound, "escrow hold not found")
	case errors.Is(err, ledger.ErrReleaseExceedsHold):
		return fiber.NewError(http.StatusBadRequest, "release amount exceeds hold amount")
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
