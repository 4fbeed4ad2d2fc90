package wallet

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

// Service is the wallet ledger: balance mutations, status transitions and
// balance/transaction reads. Every mutation runs under the store's per-wallet
// row lock and commits the balance update together with its transaction
// record; events are emitted strictly after commit.
type Service struct {
	store     ledger.Store
	ids       id.Generator
	bus       *events.Bus
	financial events.FinancialStore
	logger    *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, ids id.Generator, bus *events.Bus, financial events.FinancialStore, logger *slog.Logger) *Service {
	return &Service{store: store, ids: ids, bus: bus, financial: financial, logger: logger}
}

// CreateWalletInput captures data required to create a wallet.
type CreateWalletInput struct {
	OwnerID        string
	Currency       string
	InitialBalance decimal.Decimal
}

// TransactionInput captures data for a credit or debit.
type TransactionInput struct {
	OwnerID       string
	Currency      string
	Amount        decimal.Decimal
	Source        ledger.TxSource
	Description   string
	ReferenceID   string
	ReferenceType string
	Metadata      ledger.Metadata
	Actor         string
}

// CreateWallet provisions a wallet for an owner+currency pair. A positive
// initial balance is recorded as a completed top-up transaction committed
// atomically with the wallet row.
func (s *Service) CreateWallet(ctx context.Context, in CreateWalletInput) (ledger.Wallet, error) {
	if in.OwnerID == "" || in.Currency == "" {
		return ledger.Wallet{}, ledger.ErrInvalidAmount
	}
	if in.InitialBalance.IsNegative() {
		return ledger.Wallet{}, ledger.ErrInvalidAmount
	}

	currency := strings.ToUpper(in.Currency)
	wallet := ledger.Wallet{
		ID:               s.ids.New(id.Wallet),
		OwnerID:          in.OwnerID,
		Currency:         currency,
		Balance:          in.InitialBalance,
		AvailableBalance: in.InitialBalance,
		PendingBalance:   decimal.Zero,
		Status:           ledger.WalletActive,
	}

	var initial *ledger.Transaction
	if in.InitialBalance.IsPositive() {
		now := time.Now().UTC()
		initial = &ledger.Transaction{
			TransactionID: s.ids.New(id.Transaction),
			Type:          ledger.TxCredit,
			Source:        ledger.SourceTopUp,
			Amount:        in.InitialBalance,
			Currency:      currency,
			Status:        ledger.TxCompleted,
			Description:   "Initial wallet balance",
			ProcessedAt:   &now,
		}
	}

	created, err := s.store.CreateWallet(ctx, wallet, initial)
	if err != nil {
		return ledger.Wallet{}, err
	}

	s.record(ctx, events.FinancialEvent{
		AggregateID:   created.OwnerID,
		AggregateType: events.AggregateWallet,
		EventType:     events.EventWalletCreated,
		EventData: map[string]any{
			"walletId":       created.ID,
			"currency":       created.Currency,
			"initialBalance": in.InitialBalance,
		},
		OwnerID:  created.OwnerID,
		Amount:   in.InitialBalance,
		Currency: created.Currency,
	})

	return created, nil
}

// Credit increases both balance and available balance.
func (s *Service) Credit(ctx context.Context, in TransactionInput) (ledger.Transaction, error) {
	tx, err := s.buildTransaction(in, ledger.TxCredit, ledger.SourceTopUp, "Credit transaction")
	if err != nil {
		return ledger.Transaction{}, err
	}

	wallet, stored, err := s.store.Credit(ctx, in.OwnerID, strings.ToUpper(in.Currency), tx)
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.publish(events.WalletCredited, wallet, stored)
	s.record(ctx, s.mutationEvent(events.EventWalletCredited, wallet, stored, in.Actor))
	return stored, nil
}

// Debit decreases balance and available balance. It fails before any
// mutation when available balance is insufficient or the wallet is not
// active.
func (s *Service) Debit(ctx context.Context, in TransactionInput) (ledger.Transaction, error) {
	tx, err := s.buildTransaction(in, ledger.TxDebit, ledger.SourceWithdrawal, "Debit transaction")
	if err != nil {
		return ledger.Transaction{}, err
	}

	wallet, stored, err := s.store.Debit(ctx, in.OwnerID, strings.ToUpper(in.Currency), tx)
	if err != nil {
		return ledger.Transaction{}, err
	}

	s.publish(events.WalletDebited, wallet, stored)
	s.record(ctx, s.mutationEvent(events.EventWalletDebited, wallet, stored, in.Actor))
	return stored, nil
}

// Freeze blocks credits, debits and holds until the wallet is unfrozen.
// Reconciliation reads stay unaffected.
func (s *Service) Freeze(ctx context.Context, ownerID, currency, reason, actor string) (ledger.Wallet, error) {
	wallet, err := s.store.SetWalletStatus(ctx, ownerID, strings.ToUpper(currency), ledger.WalletFrozen, reason, actor)
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.record(ctx, events.FinancialEvent{
		AggregateID:   wallet.OwnerID,
		AggregateType: events.AggregateWallet,
		EventType:     events.EventWalletFrozen,
		EventData:     map[string]any{"walletId": wallet.ID, "reason": reason},
		Metadata:      map[string]any{"actor": actor},
		OwnerID:       wallet.OwnerID,
		Currency:      wallet.Currency,
	})
	return wallet, nil
}

// Unfreeze restores a frozen wallet to active.
func (s *Service) Unfreeze(ctx context.Context, ownerID, currency, reason, actor string) (ledger.Wallet, error) {
	wallet, err := s.store.SetWalletStatus(ctx, ownerID, strings.ToUpper(currency), ledger.WalletActive, reason, actor)
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.record(ctx, events.FinancialEvent{
		AggregateID:   wallet.OwnerID,
		AggregateType: events.AggregateWallet,
		EventType:     events.EventWalletUnfrozen,
		EventData:     map[string]any{"walletId": wallet.ID, "reason": reason},
		Metadata:      map[string]any{"actor": actor},
		OwnerID:       wallet.OwnerID,
		Currency:      wallet.Currency,
	})
	return wallet, nil
}

// Wallet returns the wallet for an owner+currency pair.
func (s *Service) Wallet(ctx context.Context, ownerID, currency string) (ledger.Wallet, error) {
	return s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
}

// Transactions lists the wallet's transaction history, newest first.
func (s *Service) Transactions(ctx context.Context, ownerID, currency string, filter ledger.TransactionFilter) ([]ledger.Transaction, int, error) {
	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
	if err != nil {
		return nil, 0, err
	}
	return s.store.Transactions(ctx, wallet.ID, filter)
}

// Summary aggregates lifetime earnings/payouts and recent activity for a wallet.
type Summary struct {
	Wallet             ledger.Wallet
	TotalEarnings      decimal.Decimal
	TotalPayouts       decimal.Decimal
	TransactionCount   int
	RecentTransactions []ledger.Transaction
}

// Summary computes a wallet overview from the completed transaction history.
func (s *Service) Summary(ctx context.Context, ownerID, currency string) (Summary, error) {
	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
	if err != nil {
		return Summary{}, err
	}

	completed, total, err := s.store.Transactions(ctx, wallet.ID, ledger.TransactionFilter{Status: ledger.TxCompleted})
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		Wallet:           wallet,
		TotalEarnings:    decimal.Zero,
		TotalPayouts:     decimal.Zero,
		TransactionCount: total,
	}
	for _, tx := range completed {
		switch {
		case tx.Type == ledger.TxCredit:
			summary.TotalEarnings = summary.TotalEarnings.Add(tx.Amount)
		case tx.Source == ledger.SourceWithdrawal:
			summary.TotalPayouts = summary.TotalPayouts.Add(tx.Amount)
		}
	}

	recent, _, err := s.store.Transactions(ctx, wallet.ID, ledger.TransactionFilter{Limit: 5})
	if err != nil {
		return Summary{}, err
	}
	summary.RecentTransactions = recent
	return summary, nil
}

// PendingSettlements lists pending transactions and their total amount.
func (s *Service) PendingSettlements(ctx context.Context, ownerID, currency string) ([]ledger.Transaction, decimal.Decimal, error) {
	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
	if err != nil {
		return nil, decimal.Zero, err
	}
	pending, _, err := s.store.Transactions(ctx, wallet.ID, ledger.TransactionFilter{Status: ledger.TxPending})
	if err != nil {
		return nil, decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range pending {
		total = total.Add(tx.Amount)
	}
	return pending, total, nil
}

func (s *Service) buildTransaction(in TransactionInput, txType ledger.TxType, defaultSource ledger.TxSource, defaultDescription string) (ledger.Transaction, error) {
	if !in.Amount.IsPositive() {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	source := in.Source
	if source == "" {
		source = defaultSource
	}
	description := in.Description
	if description == "" {
		description = defaultDescription
	}

	metadata := ledger.Metadata{}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.Actor != "" {
		metadata["initiatedBy"] = in.Actor
	}

	now := time.Now().UTC()
	return ledger.Transaction{
		TransactionID: s.ids.New(id.Transaction),
		Type:          txType,
		Source:        source,
		Amount:        in.Amount,
		Currency:      strings.ToUpper(in.Currency),
		Status:        ledger.TxCompleted,
		Description:   description,
		ReferenceID:   in.ReferenceID,
		ReferenceType: in.ReferenceType,
		Metadata:      metadata,
		ProcessedAt:   &now,
	}, nil
}

func (s *Service) publish(name string, wallet ledger.Wallet, tx ledger.Transaction) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Name:    name,
		OwnerID: wallet.OwnerID,
		Payload: map[string]any{
			"walletId":      wallet.ID,
			"ownerId":       wallet.OwnerID,
			"amount":        tx.Amount,
			"currency":      tx.Currency,
			"transactionId": tx.TransactionID,
			"balanceAfter":  wallet.Balance,
			"metadata":      tx.Metadata,
		},
	})
}

func (s *Service) mutationEvent(eventType events.FinancialEventType, wallet ledger.Wallet, tx ledger.Transaction, actor string) events.FinancialEvent {
	return events.FinancialEvent{
		AggregateID:   wallet.OwnerID,
		AggregateType: events.AggregateWallet,
		EventType:     eventType,
		EventData: map[string]any{
			"walletId":              wallet.ID,
			"amount":                tx.Amount,
			"currency":              tx.Currency,
			"transactionId":         tx.TransactionID,
			"balanceAfter":          wallet.Balance,
			"availableBalanceAfter": wallet.AvailableBalance,
			"description":           tx.Description,
			"source":                string(tx.Source),
		},
		Metadata: map[string]any{"actor": actor},
		OwnerID:  wallet.OwnerID,
		Amount:   tx.Amount,
		Currency: tx.Currency,
	}
}

// record appends to the financial event stream, logging failures. Event
// persistence is best effort and never rolls back the mutation it mirrors.
func (s *Service) record(ctx context.Context, evt events.FinancialEvent) {
	if s.financial == nil {
		return
	}
	if err := s.financial.Append(ctx, evt); err != nil {
		s.logger.Error("store financial event", "event_type", evt.EventType, "owner_id", evt.OwnerID, "error", err)
	}
}
