package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound occurs when no wallet exists for the requested owner and currency.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists indicates a wallet already exists for the owner+currency pair.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrInsufficientBalance occurs when a debit, hold or exchange exceeds the
	// available balance of the source wallet.
	ErrInsufficientBalance = errors.New("insufficient available balance")

	// ErrWalletNotActive indicates the wallet status forbids balance mutations.
	ErrWalletNotActive = errors.New("wallet is not active")

	// ErrHoldNotFound occurs when an escrow hold is absent or no longer pending.
	ErrHoldNotFound = errors.New("escrow hold not found or already processed")

	// ErrTransactionNotFound occurs when a transaction lookup finds nothing.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrReleaseExceedsHold indicates a partial release larger than the remaining hold.
	ErrReleaseExceedsHold = errors.New("release amount exceeds hold amount")

	// ErrInvalidAmount rejects non-positive amounts before any mutation.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// WalletStatus enumerates wallet lifecycle states. CLOSED is terminal;
// wallets are never physically deleted.
type WalletStatus string

const (
	WalletActive    WalletStatus = "ACTIVE"
	WalletFrozen    WalletStatus = "FROZEN"
	WalletSuspended WalletStatus = "SUSPENDED"
	WalletClosed    WalletStatus = "CLOSED"
)

// TxType is the directional effect of a transaction on balance accounting.
type TxType string

const (
	TxCredit TxType = "CREDIT"
	TxDebit  TxType = "DEBIT"
)

// TxStatus tracks the settlement state of a transaction. Escrow holds are
// the only entries whose status changes after creation.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxCompleted TxStatus = "COMPLETED"
	TxFailed    TxStatus = "FAILED"
	TxCancelled TxStatus = "CANCELLED"
)

// TxSource tags the business origin of a transaction.
type TxSource string

const (
	SourceTopUp            TxSource = "TOP_UP"
	SourceEscrowHold       TxSource = "ESCROW_HOLD"
	SourceEscrowRelease    TxSource = "ESCROW_RELEASE"
	SourceEscrowCancel     TxSource = "ESCROW_CANCEL"
	SourceCurrencyExchange TxSource = "CURRENCY_EXCHANGE"
	SourceWithdrawal       TxSource = "WITHDRAWAL"
	SourceAdminAdjustment  TxSource = "ADMIN_ADJUSTMENT"
	SourceWalletCreation   TxSource = "WALLET_CREATION"
)

// Metadata carries free-form structured extras on wallets and transactions.
type Metadata map[string]any

// MetadataExpiresAt is the metadata key holding an escrow hold expiry (RFC 3339).
const MetadataExpiresAt = "expiresAt"

// Wallet is a per-owner, per-currency balance record. The invariant
// balance == availableBalance + pendingBalance holds after every committed
// operation; availableBalance never goes negative.
type Wallet struct {
	ID                  string
	OwnerID             string
	Currency            string
	Balance             decimal.Decimal
	AvailableBalance    decimal.Decimal
	PendingBalance      decimal.Decimal
	Status              WalletStatus
	MinBalanceThreshold decimal.Decimal
	MaxBalanceLimit     decimal.Decimal
	AutoPayoutEnabled   bool
	AutoPayoutThreshold decimal.Decimal
	Metadata            Metadata
	FrozenAt            *time.Time
	FrozenBy            string
	FrozenReason        string
	LastTransactionAt   *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// CanTransact reports whether balance mutations are permitted.
func (w Wallet) CanTransact() bool {
	return w.Status == WalletActive
}

// Transaction is an immutable, append-only ledger entry. BalanceAfter
// snapshots the wallet's total balance (not availableBalance) immediately
// after the entry was applied.
type Transaction struct {
	ID            string
	TransactionID string
	WalletID      string
	OwnerID       string
	Type          TxType
	Source        TxSource
	Amount        decimal.Decimal
	Currency      string
	BalanceAfter  decimal.Decimal
	Status        TxStatus
	Description   string
	ReferenceID   string
	ReferenceType string
	Metadata      Metadata
	ProcessedAt   *time.Time
	CreatedAt     time.Time
}

// TransactionFilter narrows transaction listings.
type TransactionFilter struct {
	Type   TxType
	Source TxSource
	Status TxStatus
	Limit  int
	Offset int
}

// ExchangeResult captures both sides of an atomic currency exchange.
type ExchangeResult struct {
	FromWallet Wallet
	ToWallet   Wallet
	DebitTx    Transaction
	CreditTx   Transaction
}

// Store is the durable ledger state: one wallet row per owner+currency and
// an append-only transaction sequence per wallet. Every mutating method runs
// inside a single storage transaction holding an exclusive lock on the
// affected wallet row(s); the balance update and the transaction insert
// commit together or not at all.
type Store interface {
	// CreateWallet inserts a wallet and, when initial is non-nil, its opening
	// transaction atomically. Fails ErrWalletExists on a duplicate
	// owner+currency pair.
	CreateWallet(ctx context.Context, wallet Wallet, initial *Transaction) (Wallet, error)

	WalletByOwner(ctx context.Context, ownerID, currency string) (Wallet, error)
	WalletsByOwner(ctx context.Context, ownerID string) ([]Wallet, error)
	Wallets(ctx context.Context) ([]Wallet, error)

	// SetWalletStatus transitions wallet status and records freeze bookkeeping.
	SetWalletStatus(ctx context.Context, ownerID, currency string, status WalletStatus, reason, actor string) (Wallet, error)

	// MergeWalletMetadata merges keys into the wallet metadata bag.
	MergeWalletMetadata(ctx context.Context, ownerID, currency string, merge Metadata) (Wallet, error)

	// Credit increases balance and availableBalance by tx.Amount under the
	// wallet row lock and appends tx with BalanceAfter filled in.
	Credit(ctx context.Context, ownerID, currency string, tx Transaction) (Wallet, Transaction, error)

	// Debit decreases balance and availableBalance by tx.Amount. Fails
	// ErrInsufficientBalance before any mutation when availableBalance is
	// too small, ErrWalletNotActive when the wallet cannot transact.
	Debit(ctx context.Context, ownerID, currency string, tx Transaction) (Wallet, Transaction, error)

	// CreateHold moves tx.Amount from available to pending without touching
	// balance and appends the PENDING hold transaction.
	CreateHold(ctx context.Context, ownerID, currency string, tx Transaction) (Wallet, Transaction, error)

	// SettleHold unwinds amount of the PENDING hold identified by holdID and
	// appends the settle transaction. When amount equals the remaining hold
	// amount the hold transitions to final (COMPLETED or CANCELLED);
	// otherwise the hold stays PENDING with its amount reduced.
	SettleHold(ctx context.Context, ownerID, currency, holdID string, amount decimal.Decimal, settle Transaction, final TxStatus) (Wallet, Transaction, error)

	// Exchange atomically debits amount from the owner's fromCurrency wallet
	// and credits converted to the toCurrency wallet, locking both rows in a
	// stable order. Partial application is impossible.
	Exchange(ctx context.Context, ownerID, fromCurrency, toCurrency string, amount, converted decimal.Decimal, debitTx, creditTx Transaction) (ExchangeResult, error)

	TransactionByID(ctx context.Context, walletID, transactionID string) (Transaction, error)
	Transactions(ctx context.Context, walletID string, filter TransactionFilter) ([]Transaction, int, error)
	TransactionsByReference(ctx context.Context, referenceID, referenceType string) ([]Transaction, error)

	// PendingHolds lists PENDING ESCROW_HOLD transactions for a wallet,
	// newest first.
	PendingHolds(ctx context.Context, walletID string) ([]Transaction, error)

	// ExpiredHolds lists PENDING ESCROW_HOLD transactions across all wallets
	// whose metadata expiry is before now.
	ExpiredHolds(ctx context.Context, now time.Time) ([]Transaction, error)
}

// applyCredit adds amount to balance and recomputes availableBalance.
func applyCredit(w *Wallet, amount decimal.Decimal) {
	w.Balance = w.Balance.Add(amount)
	w.AvailableBalance = w.Balance.Sub(w.PendingBalance)
}

// applyDebit subtracts amount from balance after checking spendability.
func applyDebit(w *Wallet, amount decimal.Decimal) error {
	if !w.CanTransact() {
		return ErrWalletNotActive
	}
	if w.AvailableBalance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	w.Balance = w.Balance.Sub(amount)
	w.AvailableBalance = w.Balance.Sub(w.PendingBalance)
	return nil
}

// applyHold locks amount against a pending obligation; balance is unchanged.
func applyHold(w *Wallet, amount decimal.Decimal) error {
	if !w.CanTransact() {
		return ErrWalletNotActive
	}
	if w.AvailableBalance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	w.PendingBalance = w.PendingBalance.Add(amount)
	w.AvailableBalance = w.Balance.Sub(w.PendingBalance)
	return nil
}

// applySettle returns a held amount to availability.
func applySettle(w *Wallet, amount decimal.Decimal) {
	w.PendingBalance = w.PendingBalance.Sub(amount)
	w.AvailableBalance = w.Balance.Sub(w.PendingBalance)
}

// metadataReleasedTotal accumulates partial-release amounts on a hold.
const metadataReleasedTotal = "releasedTotal"

// settleHold applies a (possibly partial) settlement to a pending hold.
// A full settlement transitions the hold to final; a partial one reduces the
// remaining amount and records the running released total.
func settleHold(hold *Transaction, amount decimal.Decimal, final TxStatus) error {
	if hold.Source != SourceEscrowHold || hold.Status != TxPending {
		return ErrHoldNotFound
	}
	if amount.GreaterThan(hold.Amount) {
		return ErrReleaseExceedsHold
	}
	if amount.Equal(hold.Amount) {
		hold.Status = final
		return nil
	}
	hold.Amount = hold.Amount.Sub(amount)
	released := decimal.Zero
	if s, ok := hold.Metadata[metadataReleasedTotal].(string); ok {
		if d, err := decimal.NewFromString(s); err == nil {
			released = d
		}
	}
	if hold.Metadata == nil {
		hold.Metadata = Metadata{}
	}
	hold.Metadata[metadataReleasedTotal] = released.Add(amount).String()
	return nil
}

// holdExpiry extracts the expiry timestamp from hold metadata, if present.
func holdExpiry(tx Transaction) (time.Time, bool) {
	raw, ok := tx.Metadata[MetadataExpiresAt]
	if !ok {
		return time.Time{}, false
	}
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
