package exchange

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/ledger"
)

// Handler exposes multi-currency endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs an exchange handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type enableRequest struct {
	BaseCurrency string   `json:"base_currency"`
	Currencies   []string `json:"currencies"`
}

// Enable provisions wallets for additional currencies.
func (h *Handler) Enable(c *fiber.Ctx) error {
	var req enableRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.BaseCurrency == "" {
		return fiber.NewError(http.StatusBadRequest, "base_currency required")
	}
	if len(req.Currencies) == 0 {
		return fiber.NewError(http.StatusBadRequest, "currencies required")
	}

	wallets, err := h.service.EnableMultiCurrency(c.UserContext(), c.Params("ownerID"), req.BaseCurrency, req.Currencies)
	if err != nil {
		return mapExchangeError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{"wallets": walletList(wallets)})
}

type exchangeRequest struct {
	FromCurrency string `json:"from_currency"`
	ToCurrency   string `json:"to_currency"`
	Amount       string `json:"amount"`
	Rate         string `json:"rate"`
}

// Exchange converts funds between two of the owner's currency wallets.
func (h *Handler) Exchange(c *fiber.Ctx) error {
	var req exchangeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid rate")
	}

	result, err := h.service.Exchange(c.UserContext(), ExchangeInput{
		OwnerID:      c.Params("ownerID"),
		FromCurrency: req.FromCurrency,
		ToCurrency:   req.ToCurrency,
		Amount:       amount,
		Rate:         rate,
		Actor:        c.Get("X-Actor-ID"),
	})
	if err != nil {
		return mapExchangeError(err)
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"debit_transaction_id":  result.DebitTx.TransactionID,
		"credit_transaction_id": result.CreditTx.TransactionID,
		"from_wallet": fiber.Map{
			"currency": result.FromWallet.Currency,
			"balance":  result.FromWallet.Balance,
		},
		"to_wallet": fiber.Map{
			"currency": result.ToWallet.Currency,
			"balance":  result.ToWallet.Balance,
		},
	})
}

type consolidatedRequest struct {
	TargetCurrency string            `json:"target_currency"`
	Rates          map[string]string `json:"rates"`
}

// Consolidated values all wallets of the owner in one target currency.
func (h *Handler) Consolidated(c *fiber.Ctx) error {
	var req consolidatedRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.TargetCurrency == "" {
		return fiber.NewError(http.StatusBadRequest, "target_currency required")
	}

	rates := make(map[string]decimal.Decimal, len(req.Rates))
	for currency, raw := range req.Rates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid rate for "+currency)
		}
		rates[currency] = rate
	}

	view, err := h.service.Consolidated(c.UserContext(), c.Params("ownerID"), req.TargetCurrency, rates)
	if err != nil {
		return mapExchangeError(err)
	}

	breakdown := make([]fiber.Map, 0, len(view.Wallets))
	for _, w := range view.Wallets {
		breakdown = append(breakdown, fiber.Map{
			"wallet_id":           w.WalletID,
			"currency":            w.Currency,
			"balance":             w.Balance,
			"available_balance":   w.AvailableBalance,
			"pending_balance":     w.PendingBalance,
			"balance_in_target":   w.BalanceInTarget,
			"available_in_target": w.AvailableInTarget,
			"pending_in_target":   w.PendingInTarget,
			"exchange_rate":       w.ExchangeRate,
		})
	}
	return c.JSON(fiber.Map{
		"target_currency":         view.TargetCurrency,
		"total_balance":           view.TotalBalance,
		"total_available_balance": view.TotalAvailableBalance,
		"total_pending_balance":   view.TotalPendingBalance,
		"wallets":                 breakdown,
	})
}

// Wallets lists the owner's currency wallets.
func (h *Handler) Wallets(c *fiber.Ctx) error {
	wallets, err := h.service.Wallets(c.UserContext(), c.Params("ownerID"))
	if err != nil {
		return mapExchangeError(err)
	}
	return c.JSON(fiber.Map{"wallets": walletList(wallets)})
}

// History lists exchange transactions for one currency wallet.
func (h *Handler) History(c *fiber.Ctx) error {
	txs, total, err := h.service.History(c.UserContext(), c.Params("ownerID"), c.Params("currency"),
		c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return mapExchangeError(err)
	}

	items := make([]fiber.Map, 0, len(txs))
	for _, tx := range txs {
		items = append(items, fiber.Map{
			"transaction_id": tx.TransactionID,
			"type":           tx.Type,
			"amount":         tx.Amount,
			"currency":       tx.Currency,
			"reference_id":   tx.ReferenceID,
			"metadata":       tx.Metadata,
			"created_at":     tx.CreatedAt,
		})
	}
	return c.JSON(fiber.Map{"exchanges": items, "total": total})
}

func walletList(wallets []ledger.Wallet) []fiber.Map {
	out := make([]fiber.Map, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, fiber.Map{
			"id":                w.ID,
			"currency":          w.Currency,
			"balance":           w.Balance,
			"available_balance": w.AvailableBalance,
			"pending_balance":   w.PendingBalance,
			"status":            w.Status,
		})
	}
	return out
}

func mapExchangeError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return fiber.NewError(http.StatusBadRequest, "insufficient available balance")
	case errors.Is(err, ledger.ErrWalletNotActive):
		return fiber.NewError(http.StatusForbidden, "wallet is not active")
	case errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, "amount must be positive")
	case errors.Is(err, ErrSameCurrency):
		return fiber.NewError(http.StatusBadRequest, ErrSameCurrency.Error())
	case errors.Is(err, ErrInvalidRate):
		return fiber.NewError(http.StatusBadRequest, ErrInvalidRate.Error())
	case errors.Is(err, ErrMissingRate):
		return fiber.NewError(http.StatusBadRequest, ErrMissingRate.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
