package reconciliation

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/stayflow/stayflow/internal/ledger"
)

// Handler exposes reconciliation endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a reconciliation handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// ReconcileWallet runs a reconciliation for one wallet and returns the report.
func (h *Handler) ReconcileWallet(c *fiber.Ctx) error {
	report, err := h.engine.ReconcileWallet(c.UserContext(), c.Params("ownerID"), c.Params("currency"))
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fiber.NewError(http.StatusNotFound, "wallet not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(reportResponse(report))
}

// ReconcileAll runs a reconciliation pass over every wallet.
func (h *Handler) ReconcileAll(c *fiber.Ctx) error {
	summary, err := h.engine.ReconcileAll(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"total":         summary.Total,
		"reconciled":    summary.Reconciled,
		"discrepancies": summary.Discrepancies,
		"critical":      summary.Critical,
		"failed":        summary.Failed,
	})
}

// History lists stored reports, newest first.
func (h *Handler) History(c *fiber.Ctx) error {
	reports, total, err := h.engine.History(c.UserContext(), ReportQuery{
		OwnerID:  c.Query("owner_id"),
		Currency: c.Query("currency"),
		Status:   ReportStatus(c.Query("status")),
		Limit:    c.QueryInt("limit", 20),
		Offset:   c.QueryInt("offset", 0),
	})
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	items := make([]fiber.Map, 0, len(reports))
	for _, r := range reports {
		items = append(items, reportResponse(r))
	}
	return c.JSON(fiber.Map{"reports": items, "total": total})
}

// Stats aggregates all stored reports.
func (h *Handler) Stats(c *fiber.Ctx) error {
	stats, err := h.engine.Stats(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(fiber.Map{
		"total_runs":    stats.TotalRuns,
		"reconciled":    stats.Reconciled,
		"discrepancies": stats.Discrepancies,
		"critical":      stats.Critical,
		"last_run_at":   stats.LastRunAt,
	})
}

func reportResponse(r Report) fiber.Map {
	issues := make([]fiber.Map, 0, len(r.Issues))
	for _, issue := range r.Issues {
		issues = append(issues, fiber.Map{
			"type":           issue.Type,
			"severity":       issue.Severity,
			"transaction_id": issue.TransactionID,
			"payment_id":     issue.PaymentID,
			"expected":       issue.Expected,
			"actual":         issue.Actual,
			"description":    issue.Description,
		})
	}
	return fiber.Map{
		"id":               r.ID,
		"wallet_id":        r.WalletID,
		"owner_id":         r.OwnerID,
		"currency":         r.Currency,
		"expected_balance": r.ExpectedBalance,
		"actual_balance":   r.ActualBalance,
		"discrepancy":      r.Discrepancy,
		"discrepancy_pct":  r.DiscrepancyPct,
		"status":           r.Status,
		"issues":           issues,
		"started_at":       r.StartedAt,
		"completed_at":     r.CompletedAt,
	}
}
