package exchange

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/events"
	"github.com/stayflow/stayflow/internal/id"
	"github.com/stayflow/stayflow/internal/ledger"
)

var (
	// ErrSameCurrency rejects an exchange between identical currencies.
	ErrSameCurrency = errors.New("source and target currency must differ")

	// ErrInvalidRate rejects a non-positive exchange rate.
	ErrInvalidRate = errors.New("exchange rate must be positive")

	// ErrMissingRate occurs when a consolidated balance lacks a rate for one
	// of the owner's currencies.
	ErrMissingRate = errors.New("missing exchange rate for currency")
)

// Service handles multi-currency wallets: provisioning additional currency
// wallets for an owner, atomic exchanges between them and consolidated
// balance views.
type Service struct {
	store     ledger.Store
	ids       id.Generator
	bus       *events.Bus
	financial events.FinancialStore
	logger    *slog.Logger
}

// NewService builds an exchange service instance.
func NewService(store ledger.Store, ids id.Generator, bus *events.Bus, financial events.FinancialStore, logger *slog.Logger) *Service {
	return &Service{store: store, ids: ids, bus: bus, financial: financial, logger: logger}
}

// EnableMultiCurrency provisions empty wallets for each listed currency the
// owner does not yet hold. The owner must already have a wallet in
// baseCurrency; that primary wallet is tagged with the multi-currency
// metadata. Each provisioned wallet opens with a zero-amount
// WALLET_CREATION transaction so provisioning shows up in its history.
func (s *Service) EnableMultiCurrency(ctx context.Context, ownerID, baseCurrency string, currencies []string) ([]ledger.Wallet, error) {
	base := strings.ToUpper(baseCurrency)
	if _, err := s.store.WalletByOwner(ctx, ownerID, base); err != nil {
		return nil, err
	}

	var created []string
	for _, currency := range currencies {
		currency = strings.ToUpper(currency)
		if currency == base {
			continue
		}
		wallet := ledger.Wallet{
			ID:               s.ids.New(id.Wallet),
			OwnerID:          ownerID,
			Currency:         currency,
			Balance:          decimal.Zero,
			AvailableBalance: decimal.Zero,
			PendingBalance:   decimal.Zero,
			Status:           ledger.WalletActive,
		}
		now := time.Now().UTC()
		opening := &ledger.Transaction{
			TransactionID: s.ids.New(id.Transaction),
			Type:          ledger.TxCredit,
			Source:        ledger.SourceWalletCreation,
			Amount:        decimal.Zero,
			Currency:      currency,
			Status:        ledger.TxCompleted,
			Description:   "Multi-currency wallet provisioned",
			Metadata:      ledger.Metadata{"baseCurrency": base},
			ProcessedAt:   &now,
		}
		if _, err := s.store.CreateWallet(ctx, wallet, opening); err != nil {
			if errors.Is(err, ledger.ErrWalletExists) {
				continue
			}
			return nil, err
		}
		created = append(created, currency)
	}

	wallets, err := s.store.WalletsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	supported := make([]string, 0, len(wallets))
	for _, w := range wallets {
		supported = append(supported, w.Currency)
	}

	primary, err := s.store.MergeWalletMetadata(ctx, ownerID, base, ledger.Metadata{
		"isMultiCurrency":     true,
		"supportedCurrencies": supported,
		"baseCurrency":        base,
	})
	if err != nil {
		return nil, err
	}
	for i := range wallets {
		if wallets[i].Currency == base {
			wallets[i] = primary
		}
	}

	if len(created) > 0 {
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Name:    events.MultiCurrencyEnabled,
				OwnerID: ownerID,
				Payload: map[string]any{"ownerId": ownerID, "baseCurrency": base, "currencies": created},
			})
		}
		s.record(ctx, events.FinancialEvent{
			AggregateID:   ownerID,
			AggregateType: events.AggregateWallet,
			EventType:     events.EventMultiCurrencyEnabled,
			EventData:     map[string]any{"baseCurrency": base, "currencies": created},
			OwnerID:       ownerID,
			Currency:      base,
		})
	}

	return wallets, nil
}

// ExchangeInput captures data for a currency exchange.
type ExchangeInput struct {
	OwnerID      string
	FromCurrency string
	ToCurrency   string
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	Actor        string
}

// Exchange atomically moves Amount out of the source currency wallet and
// Amount*Rate into the target currency wallet. Both sides commit together or
// not at all; a failed exchange leaves both wallets untouched.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput) (ledger.ExchangeResult, error) {
	if !in.Amount.IsPositive() {
		return ledger.ExchangeResult{}, ledger.ErrInvalidAmount
	}
	if !in.Rate.IsPositive() {
		return ledger.ExchangeResult{}, ErrInvalidRate
	}

	from := strings.ToUpper(in.FromCurrency)
	to := strings.ToUpper(in.ToCurrency)
	if from == to {
		return ledger.ExchangeResult{}, ErrSameCurrency
	}

	converted := in.Amount.Mul(in.Rate)
	exchangeID := s.ids.New(id.Transaction)
	now := time.Now().UTC()

	debitTx := ledger.Transaction{
		TransactionID: s.ids.New(id.Transaction),
		Type:          ledger.TxDebit,
		Source:        ledger.SourceCurrencyExchange,
		Amount:        in.Amount,
		Currency:      from,
		Status:        ledger.TxCompleted,
		Description:   "Currency exchange to " + to,
		ReferenceID:   exchangeID,
		ReferenceType: "CURRENCY_EXCHANGE",
		Metadata: ledger.Metadata{
			"rate":       in.Rate.String(),
			"toCurrency": to,
			"converted":  converted.String(),
		},
		ProcessedAt: &now,
	}
	creditTx := ledger.Transaction{
		TransactionID: s.ids.New(id.Transaction),
		Type:          ledger.TxCredit,
		Source:        ledger.SourceCurrencyExchange,
		Amount:        converted,
		Currency:      to,
		Status:        ledger.TxCompleted,
		Description:   "Currency exchange from " + from,
		ReferenceID:   exchangeID,
		ReferenceType: "CURRENCY_EXCHANGE",
		Metadata: ledger.Metadata{
			"rate":           in.Rate.String(),
			"fromCurrency":   from,
			"originalAmount": in.Amount.String(),
		},
		ProcessedAt: &now,
	}

	result, err := s.store.Exchange(ctx, in.OwnerID, from, to, in.Amount, converted, debitTx, creditTx)
	if err != nil {
		return ledger.ExchangeResult{}, err
	}

	if s.bus != nil {
		s.bus.Publish(events.Event{
			Name:    events.CurrencyExchanged,
			OwnerID: in.OwnerID,
			Payload: map[string]any{
				"ownerId":      in.OwnerID,
				"exchangeId":   exchangeID,
				"fromCurrency": from,
				"toCurrency":   to,
				"amount":       in.Amount,
				"converted":    converted,
				"rate":         in.Rate,
			},
		})
	}
	s.record(ctx, events.FinancialEvent{
		AggregateID:   in.OwnerID,
		AggregateType: events.AggregateWallet,
		EventType:     events.EventCurrencyExchanged,
		EventData: map[string]any{
			"exchangeId":   exchangeID,
			"fromCurrency": from,
			"toCurrency":   to,
			"amount":       in.Amount,
			"converted":    converted,
			"rate":         in.Rate,
		},
		Metadata: map[string]any{"actor": in.Actor},
		OwnerID:  in.OwnerID,
		Amount:   in.Amount,
		Currency: from,
	})

	return result, nil
}

// WalletValuation is one wallet of a consolidated view: its native figures
// plus the same figures converted into the target currency at ExchangeRate.
type WalletValuation struct {
	WalletID          string
	Currency          string
	Balance           decimal.Decimal
	AvailableBalance  decimal.Decimal
	PendingBalance    decimal.Decimal
	BalanceInTarget   decimal.Decimal
	AvailableInTarget decimal.Decimal
	PendingInTarget   decimal.Decimal
	ExchangeRate      decimal.Decimal
}

// ConsolidatedBalance totals every wallet of an owner in one currency.
type ConsolidatedBalance struct {
	TargetCurrency        string
	TotalBalance          decimal.Decimal
	TotalAvailableBalance decimal.Decimal
	TotalPendingBalance   decimal.Decimal
	Wallets               []WalletValuation
}

// Consolidated values every wallet of the owner in the target currency using
// the supplied rates. Rates are keyed by source currency and express one unit
// of that currency in the target currency; the target itself needs no entry.
// This is a pure read, no balances change.
func (s *Service) Consolidated(ctx context.Context, ownerID, targetCurrency string, rates map[string]decimal.Decimal) (ConsolidatedBalance, error) {
	target := strings.ToUpper(targetCurrency)
	wallets, err := s.store.WalletsByOwner(ctx, ownerID)
	if err != nil {
		return ConsolidatedBalance{}, err
	}

	out := ConsolidatedBalance{
		TargetCurrency:        target,
		TotalBalance:          decimal.Zero,
		TotalAvailableBalance: decimal.Zero,
		TotalPendingBalance:   decimal.Zero,
		Wallets:               make([]WalletValuation, 0, len(wallets)),
	}
	for _, w := range wallets {
		rate := decimal.NewFromInt(1)
		if w.Currency != target {
			var ok bool
			rate, ok = rates[w.Currency]
			if !ok {
				return ConsolidatedBalance{}, ErrMissingRate
			}
		}
		v := WalletValuation{
			WalletID:          w.ID,
			Currency:          w.Currency,
			Balance:           w.Balance,
			AvailableBalance:  w.AvailableBalance,
			PendingBalance:    w.PendingBalance,
			BalanceInTarget:   w.Balance.Mul(rate),
			AvailableInTarget: w.AvailableBalance.Mul(rate),
			PendingInTarget:   w.PendingBalance.Mul(rate),
			ExchangeRate:      rate,
		}
		out.TotalBalance = out.TotalBalance.Add(v.BalanceInTarget)
		out.TotalAvailableBalance = out.TotalAvailableBalance.Add(v.AvailableInTarget)
		out.TotalPendingBalance = out.TotalPendingBalance.Add(v.PendingInTarget)
		out.Wallets = append(out.Wallets, v)
	}
	return out, nil
}

// AutoConvert moves the available balance above threshold from one currency
// to another. When the balance is at or below the threshold nothing happens
// and converted reports false.
func (s *Service) AutoConvert(ctx context.Context, ownerID, fromCurrency, toCurrency string, threshold, rate decimal.Decimal) (ledger.ExchangeResult, bool, error) {
	if threshold.IsNegative() {
		return ledger.ExchangeResult{}, false, ledger.ErrInvalidAmount
	}

	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(fromCurrency))
	if err != nil {
		return ledger.ExchangeResult{}, false, err
	}

	excess := wallet.AvailableBalance.Sub(threshold)
	if !excess.IsPositive() {
		return ledger.ExchangeResult{}, false, nil
	}

	result, err := s.Exchange(ctx, ExchangeInput{
		OwnerID:      ownerID,
		FromCurrency: fromCurrency,
		ToCurrency:   toCurrency,
		Amount:       excess,
		Rate:         rate,
	})
	if err != nil {
		return ledger.ExchangeResult{}, false, err
	}
	return result, true, nil
}

// Wallets lists every currency wallet the owner holds.
func (s *Service) Wallets(ctx context.Context, ownerID string) ([]ledger.Wallet, error) {
	return s.store.WalletsByOwner(ctx, ownerID)
}

// History lists a wallet's exchange transactions, newest first.
func (s *Service) History(ctx context.Context, ownerID, currency string, limit, offset int) ([]ledger.Transaction, int, error) {
	wallet, err := s.store.WalletByOwner(ctx, ownerID, strings.ToUpper(currency))
	if err != nil {
		return nil, 0, err
	}
	return s.store.Transactions(ctx, wallet.ID, ledger.TransactionFilter{
		Source: ledger.SourceCurrencyExchange,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Service) record(ctx context.Context, evt events.FinancialEvent) {
	if s.financial == nil {
		return
	}
	if err := s.financial.Append(ctx, evt); err != nil {
		s.logger.Error("store financial event", "event_type", evt.EventType, "owner_id", evt.OwnerID, "error", err)
	}
}
