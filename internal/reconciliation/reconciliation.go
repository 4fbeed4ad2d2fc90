package reconciliation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReportStatus is the outcome of a wallet reconciliation run.
type ReportStatus string

const (
	StatusReconciled  ReportStatus = "RECONCILED"
	StatusDiscrepancy ReportStatus = "DISCREPANCY_FOUND"
	StatusCritical    ReportStatus = "CRITICAL_DISCREPANCY"
)

// IssueType classifies a single finding.
type IssueType string

const (
	IssueMissingTransaction   IssueType = "MISSING_TRANSACTION"
	IssueDuplicateTransaction IssueType = "DUPLICATE_TRANSACTION"
	IssueAmountMismatch       IssueType = "AMOUNT_MISMATCH"
	IssueStatusMismatch       IssueType = "STATUS_MISMATCH"
)

// IssueSeverity ranks a finding. Any critical issue escalates the whole
// report to CRITICAL_DISCREPANCY.
type IssueSeverity string

const (
	SeverityLow      IssueSeverity = "LOW"
	SeverityMedium   IssueSeverity = "MEDIUM"
	SeverityHigh     IssueSeverity = "HIGH"
	SeverityCritical IssueSeverity = "CRITICAL"
)

// Issue is one finding produced while cross-checking the ledger against the
// external payment source.
type Issue struct {
	Type          IssueType
	Severity      IssueSeverity
	TransactionID string
	PaymentID     string
	Expected      decimal.Decimal
	Actual        decimal.Decimal
	Description   string
}

// Report is the stored result of one reconciliation run. Reports record
// findings only; balances are never corrected automatically.
type Report struct {
	ID              string
	WalletID        string
	OwnerID         string
	Currency        string
	ExpectedBalance decimal.Decimal
	ActualBalance   decimal.Decimal
	Discrepancy     decimal.Decimal
	DiscrepancyPct  decimal.Decimal
	Status          ReportStatus
	Issues          []Issue
	StartedAt       time.Time
	CompletedAt     time.Time
}

// ReportQuery narrows report history reads.
type ReportQuery struct {
	OwnerID  string
	Currency string
	Status   ReportStatus
	Limit    int
	Offset   int
}

// Stats aggregates stored reports.
type Stats struct {
	TotalRuns     int
	Reconciled    int
	Discrepancies int
	Critical      int
	LastRunAt     *time.Time
}

// ReportStore persists reconciliation reports.
type ReportStore interface {
	Save(ctx context.Context, report Report) error
	Reports(ctx context.Context, q ReportQuery) ([]Report, int, error)
	Stats(ctx context.Context) (Stats, error)
}

// PaymentKind distinguishes money in from money out on the external side.
type PaymentKind string

const (
	KindPayment PaymentKind = "PAYMENT"
	KindRefund  PaymentKind = "REFUND"
)

// PaymentStatus is the settlement state reported by the external platform.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// PaymentRecord is one settled payment or refund as the booking platform
// sees it. It is the ground truth the ledger is checked against.
type PaymentRecord struct {
	ID        string
	OwnerID   string
	Currency  string
	Kind      PaymentKind
	Status    PaymentStatus
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// ExternalSource supplies the platform's settled payment records for an
// owner+currency pair.
type ExternalSource interface {
	Payments(ctx context.Context, ownerID, currency string) ([]PaymentRecord, error)
}
