package escrow

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

// Service manages escrow holds. A hold locks funds by moving them from
// available to pending balance; the wallet's total balance never changes
// while a hold exists. Releasing or cancelling unwinds the lock, fully or
// partially, and settles the hold transaction.
type Service struct {
	store     ledger.Store
	ids       id.Generator
	bus       *events.Bus
	financial events.FinancialStore
	logger    *slog.Logger
}

// NewService builds an escrow service instance.
func NewService(store ledger.Store, ids id.Generator, bus *events.Bus, financial events.FinancialStore, logger *slog.Logger) *Service {
	return &Service{store: store, ids: ids, bus: bus, financial: financial, logger: logger}
}

// HoldInput captures data for creating an escrow hold.
type HoldInput struct {
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	ReferenceID   string
	ReferenceType string
	Description   string
	ExpiresAt     *time.Time
	Metadata      ledger.Metadata
}

// CreateHold locks in.Amount against a pending obligation. The hold is a
// PENDING transaction; its optional expiry is stored in metadata and picked
// up by the expiry sweep.
func (s *Service) CreateHold(ctx context.Context, in HoldInput) (ledger.Transaction, error) {
	if !in.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	metadata := ledger.Metadata{}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.ExpiresAt != nil {
		metadata[ledger.MetadataExpiresAt] = in.ExpiresAt.UTC().Format(time.RFC3339)
	}

	description := in.Description
	if description == "" {
		description = "Escrow hold"
	}

	tx := ledger.Transaction{
		TransactionID: s.ids.New(id.Transaction),
		Type:          ledger.TxDebit,
		Source:        ledger.SourceEscrowHold,
		Amount:        in.Amount,
		Currency:      strings.ToUpper(in.Currency),
		Status:        ledger.TxPending,
		Description:   description,
		ReferenceID:   in.ReferenceID,
		ReferenceType: in.ReferenceType,
		Metadata:      metadata,
	}

	wallet, stored, err := s.store.CreateHold(ctx, in.OwnerID, strings.ToUpper(in.Currency), tx)
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.publish(events.EscrowHoldCreated, wallet, stored, stored.Amount)
	s.record(ctx, events.EventEscrowHoldCreated, wallet, stored, stored.Amount)
	return stored, nil
}

// ReleaseHold settles a hold in the obligation's favor. A zero amount
// releases the full remaining hold; a smaller amount releases part and
// leaves the hold pending with its amount reduced.
func (s *Service) ReleaseHold(ctx context.Context, ownerID, currency, holdID string, amount decimal.Decimal) (ledger.Wallet, ledger.Transaction, error) {
	return s.settle(ctx, ownerID, currency, holdID, amount, ledger.TxCompleted)
}

// CancelHold voids a hold entirely, returning the full remaining amount to
// available balance.
func (s *Service) CancelHold(ctx context.Context, ownerID, currency, holdID string) (ledger.Wallet, ledger.Transaction, error) {
	return s.settle(ctx, ownerID, currency, holdID, decimal.Zero, ledger.TxCancelled)
}

func (s *Service) settle(ctx context.Context, ownerID, currency, holdID string, amount decimal.Decimal, final ledger.TxStatus) (ledger.Wallet, ledger.Transaction, error) {
	currency = strings.ToUpper(currency)
	wallet, err := s.store.WalletByOwner(ctx, ownerID, currency)
	if err != nil {
		return ledger.Wallet{}, ledger.Transaction{}, err
	}
	hold, err := s.store.TransactionByID(ctx, wallet.ID, holdID)
	if err != nil {
		return ledger.Wallet{}, ledger.Transaction{}, ledger.ErrHoldNotFound
	}
	if hold.Source != ledger.SourceEscrowHold || hold.Status != ledger.TxPending {
		return ledger.Wallet{}, ledger.Transaction{}, ledger.ErrHoldNotFound
	}

	if amount.IsZero() {
		amount = hold.Amount
	}
	if !amount.IsPositive() {
		return ledger.Wallet{}, ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	source := ledger.SourceEscrowRelease
	description := "Escrow hold released"
	eventName := events.EscrowHoldReleased
	eventType := events.EventEscrowHoldReleased
	if final == ledger.TxCancelled {
		source = ledger.SourceEscrowCancel
		description = "Escrow hold cancelled"
		eventName = events.EscrowHoldCancelled
		eventType = events.EventEscrowHoldCancelled
	}

	now := time.Now().UTC()
	settle := ledger.Transaction{
		TransactionID: s.ids.New(id.Transaction),
		Type:          ledger.TxCredit,
		Source:        source,
		Amount:        amount,
		Currency:      currency,
		Status:        ledger.TxCompleted,
		Description:   description,
		ReferenceID:   hold.ReferenceID,
		ReferenceType: hold.ReferenceType,
		Metadata:      ledger.Metadata{"holdId": holdID},
		ProcessedAt:   &now,
	}

	updated, stored, err := s.store.SettleHold(ctx, ownerID, currency, holdID, amount, settle, final)
	if err != nil {
		return ledger.Wallet{}, ledger.Transaction{}, err
	}

	s.publish(eventName, updated, stored, amount)
	s.record(ctx, eventType, updated, stored, amount)
	return updated, stored, nil
}

// Hold returns a pending or settled hold by its transaction identifier.
func (s *Service) Hold(ctx context.Context, ownerID, currency, holdID string) (ledger.Transaction, error) {
	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
	if err != nil {
		return ledger.Transaction{}, err
	}
	hold, err := s.store.TransactionByID(ctx, wallet.ID, holdID)
	if err != nil {
		return ledger.Transaction{}, ledger.ErrHoldNotFound
	}
	if hold.Source != ledger.SourceEscrowHold {
		return ledger.Transaction{}, ledger.ErrHoldNotFound
	}
	return hold, nil
}

// ActiveHolds lists a wallet's pending holds, newest first, along with the
// total amount currently locked.
func (s *Service) ActiveHolds(ctx context.Context, ownerID, currency string) ([]ledger.Transaction, decimal.Decimal, error) {
	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
	if err != nil {
		return nil, decimal.Zero, err
	}
	holds, err := s.store.PendingHolds(ctx, wallet.ID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	total := decimal.Zero
	for _, h := range holds {
		total = total.Add(h.Amount)
	}
	return holds, total, nil
}

// ExpireHolds cancels every pending hold whose expiry lies before now and
// returns the number of holds swept. A failure on one hold is logged and does
// not stop the sweep.
func (s *Service) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpiredHolds(ctx, now)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, hold := range expired {
		if _, _, err := s.CancelHold(ctx, hold.OwnerID, hold.Currency, hold.TransactionID); err != nil {
			s.logger.Error("expire escrow hold",
				"hold_id", hold.TransactionID,
				"owner_id", hold.OwnerID,
				"currency", hold.Currency,
				"error", err)
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Service) publish(name string, wallet ledger.Wallet, tx ledger.Transaction, amount decimal.Decimal) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Name:    name,
		OwnerID: wallet.OwnerID,
		Payload: map[string]any{
			"walletId":      wallet.ID,
			"ownerId":       wallet.OwnerID,
			"transactionId": tx.TransactionID,
			"amount":        amount,
			"currency":      tx.Currency,
			"referenceId":   tx.ReferenceID,
			"pendingAfter":  wallet.PendingBalance,
		},
	})
}

func (s *Service) record(ctx context.Context, eventType events.FinancialEventType, wallet ledger.Wallet, tx ledger.Transaction, amount decimal.Decimal) {
	if s.financial == nil {
		return
	}
	evt := events.FinancialEvent{
		AggregateID:   wallet.OwnerID,
		AggregateType: events.AggregateWallet,
		EventType:     eventType,
		EventData: map[string]any{
			"walletId":       wallet.ID,
			"transactionId":  tx.TransactionID,
			"amount":         amount,
			"currency":       tx.Currency,
			"referenceId":    tx.ReferenceID,
			"pendingBalance": wallet.PendingBalance,
		},
		OwnerID:  wallet.OwnerID,
		Amount:   amount,
		Currency: tx.Currency,
	}
	if err := s.financial.Append(ctx, evt); err != nil {
		s.logger.Error("store financial event", "event_type", eventType, "owner_id", wallet.OwnerID, "error", err)
	}
}
