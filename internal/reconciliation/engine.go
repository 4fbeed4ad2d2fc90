package reconciliation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/events"
	"github.com/stayflow/stayflow/internal/id"
	"github.com/stayflow/stayflow/internal/ledger"
)

// discrepancyTolerance absorbs sub-cent rounding noise.
var discrepancyTolerance = decimal.RequireFromString("0.01")

// criticalPctThreshold escalates large relative discrepancies.
var criticalPctThreshold = decimal.NewFromInt(5)

// Engine cross-checks wallet balances against the platform's settled
// payments and audits the internal consistency of the transaction log.
// Findings are stored as reports; the engine never mutates balances.
type Engine struct {
	store     ledger.Store
	source    ExternalSource
	reports   ReportStore
	ids       id.Generator
	financial events.FinancialStore
	logger    *slog.Logger
}

// NewEngine builds a reconciliation engine.
func NewEngine(store ledger.Store, source ExternalSource, reports ReportStore, ids id.Generator, financial events.FinancialStore, logger *slog.Logger) *Engine {
	return &Engine{store: store, source: source, reports: reports, ids: ids, financial: financial, logger: logger}
}

// ReconcileWallet runs a full reconciliation for one wallet: the expected
// balance is replayed from the external payment records, the ledger's
// transaction chain is audited, and the resulting report is persisted.
func (e *Engine) ReconcileWallet(ctx context.Context, ownerID, currency string) (Report, error) {
	currency = strings.ToUpper(currency)
	startedAt := time.Now().UTC()

	wallet, err := e.store.WalletByOwner(ctx, ownerID, currency)
	if err != nil {
		return Report{}, err
	}

	payments, err := e.source.Payments(ctx, ownerID, currency)
	if err != nil {
		return Report{}, err
	}

	// Full history, oldest first, for chain replay and payment matching.
	txs, _, err := e.store.Transactions(ctx, wallet.ID, ledger.TransactionFilter{})
	if err != nil {
		return Report{}, err
	}
	for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
		txs[i], txs[j] = txs[j], txs[i]
	}

	expected := expectedBalance(payments)
	actual := wallet.Balance
	discrepancy := actual.Sub(expected)

	var issues []Issue
	issues = append(issues, matchPayments(payments, txs)...)
	issues = append(issues, auditChain(txs)...)

	report := Report{
		ID:              e.ids.New(id.Report),
		WalletID:        wallet.ID,
		OwnerID:         ownerID,
		Currency:        currency,
		ExpectedBalance: expected,
		ActualBalance:   actual,
		Discrepancy:     discrepancy,
		DiscrepancyPct:  discrepancyPct(discrepancy, expected),
		Issues:          issues,
		StartedAt:       startedAt,
		CompletedAt:     time.Now().UTC(),
	}
	report.Status = classify(report)

	if err := e.reports.Save(ctx, report); err != nil {
		return Report{}, err
	}

	if e.financial != nil {
		evt := events.FinancialEvent{
			AggregateID:   ownerID,
			AggregateType: events.AggregateWallet,
			EventType:     events.EventReconciliationCompleted,
			EventData: map[string]any{
				"reportId":    report.ID,
				"walletId":    wallet.ID,
				"status":      string(report.Status),
				"discrepancy": report.Discrepancy,
				"issueCount":  len(report.Issues),
			},
			OwnerID:  ownerID,
			Currency: currency,
		}
		if err := e.financial.Append(ctx, evt); err != nil {
			e.logger.Error("store financial event", "event_type", evt.EventType, "owner_id", ownerID, "error", err)
		}
	}

	return report, nil
}

// Summary aggregates one ReconcileAll pass.
type Summary struct {
	Total         int
	Reconciled    int
	Discrepancies int
	Critical      int
	Failed        int
}

// ReconcileAll reconciles every wallet. A failure on one wallet is logged
// and counted; the pass continues.
func (e *Engine) ReconcileAll(ctx context.Context) (Summary, error) {
	wallets, err := e.store.Wallets(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(wallets)}
	for _, w := range wallets {
		report, err := e.ReconcileWallet(ctx, w.OwnerID, w.Currency)
		if err != nil {
			summary.Failed++
			e.logger.Error("reconcile wallet",
				"owner_id", w.OwnerID,
				"currency", w.Currency,
				"error", err)
			continue
		}
		switch report.Status {
		case StatusReconciled:
			summary.Reconciled++
		case StatusDiscrepancy:
			summary.Discrepancies++
		case StatusCritical:
			summary.Critical++
		}
	}
	return summary, nil
}

// History lists stored reports, newest first.
func (e *Engine) History(ctx context.Context, q ReportQuery) ([]Report, int, error) {
	return e.reports.Reports(ctx, q)
}

// Stats aggregates all stored reports.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	return e.reports.Stats(ctx)
}

// expectedBalance replays the external records: completed payments add,
// completed refunds subtract.
func expectedBalance(payments []PaymentRecord) decimal.Decimal {
	expected := decimal.Zero
	for _, p := range payments {
		if p.Status != PaymentCompleted {
			continue
		}
		switch p.Kind {
		case KindPayment:
			expected = expected.Add(p.Amount)
		case KindRefund:
			expected = expected.Sub(p.Amount)
		}
	}
	return expected
}

// matchPayments verifies that every settled external payment has exactly one
// matching ledger credit with the payment as its reference.
func matchPayments(payments []PaymentRecord, txs []ledger.Transaction) []Issue {
	byReference := make(map[string][]ledger.Transaction)
	for _, tx := range txs {
		if tx.ReferenceID != "" {
			byReference[tx.ReferenceID] = append(byReference[tx.ReferenceID], tx)
		}
	}

	var issues []Issue
	for _, p := range payments {
		if p.Kind != KindPayment {
			continue
		}
		matches := byReference[p.ID]

		switch {
		case p.Status == PaymentCompleted && len(matches) == 0:
			issues = append(issues, Issue{
				Type:        IssueMissingTransaction,
				Severity:    SeverityCritical,
				PaymentID:   p.ID,
				Expected:    p.Amount,
				Description: "settled payment has no ledger transaction",
			})
		case p.Status == PaymentCompleted && len(matches) > 1:
			issues = append(issues, Issue{
				Type:          IssueDuplicateTransaction,
				Severity:      SeverityHigh,
				PaymentID:     p.ID,
				TransactionID: matches[1].TransactionID,
				Expected:      p.Amount,
				Description:   "payment credited more than once",
			})
		case p.Status == PaymentCompleted && !matches[0].Amount.Equal(p.Amount):
			issues = append(issues, Issue{
				Type:          IssueAmountMismatch,
				Severity:      SeverityHigh,
				PaymentID:     p.ID,
				TransactionID: matches[0].TransactionID,
				Expected:      p.Amount,
				Actual:        matches[0].Amount,
				Description:   "ledger amount differs from settled payment",
			})
		case p.Status == PaymentCompleted && matches[0].Status != ledger.TxCompleted:
			issues = append(issues, Issue{
				Type:          IssueStatusMismatch,
				Severity:      SeverityLow,
				PaymentID:     p.ID,
				TransactionID: matches[0].TransactionID,
				Expected:      p.Amount,
				Description:   "settled payment matched to an unsettled ledger transaction",
			})
		case p.Status == PaymentRefunded && len(matches) == 1 && matches[0].Status == ledger.TxCompleted && matches[0].Type == ledger.TxCredit:
			issues = append(issues, Issue{
				Type:          IssueStatusMismatch,
				Severity:      SeverityLow,
				PaymentID:     p.ID,
				TransactionID: matches[0].TransactionID,
				Description:   "payment refunded externally but ledger credit still completed",
			})
		}
	}
	return issues
}

// auditChain replays the transaction log oldest first, verifying that each
// entry's recorded balance matches the running balance and that transaction
// identifiers are unique. Escrow entries move funds between available and
// pending only, so they leave the running balance unchanged.
func auditChain(txs []ledger.Transaction) []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(txs))
	running := decimal.Zero

	for _, tx := range txs {
		if seen[tx.TransactionID] {
			issues = append(issues, Issue{
				Type:          IssueDuplicateTransaction,
				Severity:      SeverityHigh,
				TransactionID: tx.TransactionID,
				Description:   "duplicate transaction identifier in ledger",
			})
			continue
		}
		seen[tx.TransactionID] = true

		running = running.Add(balanceDelta(tx))
		if !tx.BalanceAfter.Equal(running) {
			issues = append(issues, Issue{
				Type:          IssueAmountMismatch,
				Severity:      SeverityMedium,
				TransactionID: tx.TransactionID,
				Expected:      running,
				Actual:        tx.BalanceAfter,
				Description:   "recorded balance diverges from replayed running balance",
			})
			// Resynchronize on the recorded value so one break does not
			// cascade into an issue per subsequent transaction.
			running = tx.BalanceAfter
		}
	}
	return issues
}

// balanceDelta is the effect of a transaction on the wallet's total balance.
func balanceDelta(tx ledger.Transaction) decimal.Decimal {
	switch tx.Source {
	case ledger.SourceEscrowHold, ledger.SourceEscrowRelease, ledger.SourceEscrowCancel:
		return decimal.Zero
	}
	if tx.Status != ledger.TxCompleted {
		return decimal.Zero
	}
	if tx.Type == ledger.TxDebit {
		return tx.Amount.Neg()
	}
	return tx.Amount
}

func discrepancyPct(discrepancy, expected decimal.Decimal) decimal.Decimal {
	if expected.IsZero() {
		if discrepancy.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100)
	}
	return discrepancy.Abs().Div(expected.Abs()).Mul(decimal.NewFromInt(100))
}

func classify(report Report) ReportStatus {
	critical := report.DiscrepancyPct.GreaterThan(criticalPctThreshold)
	discrepant := report.Discrepancy.Abs().GreaterThan(discrepancyTolerance)
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			critical = true
		}
	}

	switch {
	case critical:
		return StatusCritical
	case discrepant || len(report.Issues) > 0:
		return StatusDiscrepancy
	default:
		return StatusReconciled
	}
}
