package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/ledger"
)

// Handler exposes escrow endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createHoldRequest struct {
	Amount        string         `json:"amount"`
	ReferenceID   string         `json:"reference_id"`
	ReferenceType string         `json:"reference_type"`
	Description   string         `json:"description"`
	ExpiresAt     *time.Time     `json:"expires_at"`
	Metadata      map[string]any `json:"metadata"`
}

// CreateHold locks funds against a pending obligation.
func (h *Handler) CreateHold(c *fiber.Ctx) error {
	var req createHoldRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	hold, err := h.service.CreateHold(c.UserContext(), HoldInput{
		OwnerID:       c.Params("ownerID"),
		Currency:      c.Params("currency"),
		Amount:        amount,
		ReferenceID:   req.ReferenceID,
		ReferenceType: req.ReferenceType,
		Description:   req.Description,
		ExpiresAt:     req.ExpiresAt,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return mapEscrowError(err)
	}
	return c.Status(http.StatusCreated).JSON(holdResponse(hold))
}

type releaseRequest struct {
	Amount string `json:"amount"`
}

// Release settles a hold, fully or partially.
func (h *Handler) Release(c *fiber.Ctx) error {
	var req releaseRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid amount")
		}
	}

	wallet, tx, err := h.service.ReleaseHold(c.UserContext(), c.Params("ownerID"), c.Params("currency"), c.Params("holdID"), amount)
	if err != nil {
		return mapEscrowError(err)
	}
	return c.JSON(settleResponse(wallet, tx))
}

// Cancel voids a hold and returns the funds to available balance.
func (h *Handler) Cancel(c *fiber.Ctx) error {
	wallet, tx, err := h.service.CancelHold(c.UserContext(), c.Params("ownerID"), c.Params("currency"), c.Params("holdID"))
	if err != nil {
		return mapEscrowError(err)
	}
	return c.JSON(settleResponse(wallet, tx))
}

// Get returns a single hold.
func (h *Handler) Get(c *fiber.Ctx) error {
	hold, err := h.service.Hold(c.UserContext(), c.Params("ownerID"), c.Params("currency"), c.Params("holdID"))
	if err != nil {
		return mapEscrowError(err)
	}
	return c.JSON(holdResponse(hold))
}

// Active lists pending holds and the total amount locked.
func (h *Handler) Active(c *fiber.Ctx) error {
	holds, total, err := h.service.ActiveHolds(c.UserContext(), c.Params("ownerID"), c.Params("currency"))
	if err != nil {
		return mapEscrowError(err)
	}

	items := make([]fiber.Map, 0, len(holds))
	for _, hold := range holds {
		items = append(items, holdResponse(hold))
	}
	return c.JSON(fiber.Map{"holds": items, "total_held": total})
}

func holdResponse(tx ledger.Transaction) fiber.Map {
	return fiber.Map{
		"hold_id":        tx.TransactionID,
		"wallet_id":      tx.WalletID,
		"amount":         tx.Amount,
		"currency":       tx.Currency,
		"status":         tx.Status,
		"description":    tx.Description,
		"reference_id":   tx.ReferenceID,
		"reference_type": tx.ReferenceType,
		"metadata":       tx.Metadata,
		"created_at":     tx.CreatedAt,
	}
}

func settleResponse(wallet ledger.Wallet, tx ledger.Transaction) fiber.Map {
	return fiber.Map{
		"transaction_id":    tx.TransactionID,
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"source":            tx.Source,
		"balance":           wallet.Balance,
		"available_balance": wallet.AvailableBalance,
		"pending_balance":   wallet.PendingBalance,
	}
}

func mapEscrowError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrHoldNotFound):
		return fiber.NewError(http.StatusNotFound, "escrow hold not found")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusBadRequest, "insufficient available balance")
	case errors.Is(err, ledger.ErrWalletNotActive):
		return fiber.NewError(http.StatusForbidden, "wallet is not active")
	case errors.Is(err, ledger.ErrReleaseExceedsHold):
		return fiber.NewError(http.StatusBadRequest, "release amount exceeds hold amount")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, "amount must be positive")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
