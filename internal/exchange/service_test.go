package exchange

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/events"
	"github.com/stayflow/stayflow/internal/id"
	"github.com/stayflow/stayflow/internal/ledger"
)

func newTestService(t *testing.T) (*Service, ledger.Store, string) {
	t.Helper()
	store := ledger.NewInMemory()
	svc := NewService(store, id.UUIDGenerator{}, nil, events.NewInMemoryFinancialStore(), slog.Default())

	ownerID := uuid.NewString()
	seedWallet(t, store, ownerID, "USD", 1000)
	seedWallet(t, store, ownerID, "EUR", 0)
	return svc, store, ownerID
}

func seedWallet(t *testing.T, store ledger.Store, ownerID, currency string, balance int64) {
	t.Helper()
	amount := decimal.NewFromInt(balance)
	_, err := store.CreateWallet(context.Background(), ledger.Wallet{
		ID:               "wal_" + uuid.NewString(),
		OwnerID:          ownerID,
		Currency:         currency,
		Balance:          amount,
		AvailableBalance: amount,
		Status:           ledger.WalletActive,
	}, nil)
	if err != nil {
		t.Fatalf("create %s wallet: %v", currency, err)
	}
}

func TestExchangeMovesBothSides(t *testing.T) {
	svc, store, ownerID := newTestService(t)
	ctx := context.Background()

	rate := decimal.RequireFromString("0.9")
	result, err := svc.Exchange(ctx, ExchangeInput{
		OwnerID:      ownerID,
		FromCurrency: "usd",
		ToCurrency:   "eur",
		Amount:       decimal.NewFromInt(200),
		Rate:         rate,
	})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if !result.FromWallet.Balance.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected USD balance 800, got %s", result.FromWallet.Balance)
	}
	if !result.ToWallet.Balance.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("expected EUR balance 180, got %s", result.ToWallet.Balance)
	}
	if result.DebitTx.ReferenceID != result.CreditTx.ReferenceID {
		t.Fatalf("exchange legs must share a reference id")
	}

	// Converted amount in the credit leg equals amount times rate exactly.
	if !result.CreditTx.Amount.Equal(decimal.NewFromInt(200).Mul(rate)) {
		t.Fatalf("expected credit 180, got %s", result.CreditTx.Amount)
	}

	usd, err := store.WalletByOwner(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("usd wallet: %v", err)
	}
	if !usd.Balance.Equal(usd.AvailableBalance.Add(usd.PendingBalance)) {
		t.Fatalf("balance invariant violated for USD wallet")
	}
}

func TestExchangeValidation(t *testing.T) {
	svc, _, ownerID := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   ExchangeInput
		want error
	}{
		{"zero amount", ExchangeInput{OwnerID: ownerID, FromCurrency: "USD", ToCurrency: "EUR", Amount: decimal.Zero, Rate: decimal.NewFromInt(1)}, ledger.ErrInvalidAmount},
		{"negative rate", ExchangeInput{OwnerID: ownerID, FromCurrency: "USD", ToCurrency: "EUR", Amount: decimal.NewFromInt(10), Rate: decimal.NewFromInt(-1)}, ErrInvalidRate},
		{"same currency", ExchangeInput{OwnerID: ownerID, FromCurrency: "USD", ToCurrency: "usd", Amount: decimal.NewFromInt(10), Rate: decimal.NewFromInt(1)}, ErrSameCurrency},
		{"insufficient", ExchangeInput{OwnerID: ownerID, FromCurrency: "USD", ToCurrency: "EUR", Amount: decimal.NewFromInt(1001), Rate: decimal.NewFromInt(1)}, ledger.ErrInsufficientBalance},
		{"missing wallet", ExchangeInput{OwnerID: ownerID, FromCurrency: "USD", ToCurrency: "GBP", Amount: decimal.NewFromInt(10), Rate: decimal.NewFromInt(1)}, ledger.ErrWalletNotFound},
	}
	for _, tc := range cases {
		if _, err := svc.Exchange(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestFailedExchangeLeavesWalletsUntouched(t *testing.T) {
	svc, store, ownerID := newTestService(t)
	ctx := context.Background()

	_, err := svc.Exchange(ctx, ExchangeInput{
		OwnerID:      ownerID,
		FromCurrency: "USD",
		ToCurrency:   "EUR",
		Amount:       decimal.NewFromInt(2000),
		Rate:         decimal.NewFromInt(1),
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	usd, _ := store.WalletByOwner(ctx, ownerID, "USD")
	eur, _ := store.WalletByOwner(ctx, ownerID, "EUR")
	if !usd.Balance.Equal(decimal.NewFromInt(1000)) || !eur.Balance.IsZero() {
		t.Fatalf("failed exchange must not move funds, got USD=%s EUR=%s", usd.Balance, eur.Balance)
	}
}

func TestEnableMultiCurrencyIdempotent(t *testing.T) {
	svc, _, ownerID := newTestService(t)
	ctx := context.Background()

	wallets, err := svc.EnableMultiCurrency(ctx, ownerID, "usd", []string{"gbp", "JPY", "USD"})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(wallets) != 4 {
		t.Fatalf("expected 4 wallets, got %d", len(wallets))
	}

	// Re-enabling the same currencies changes nothing.
	wallets, err = svc.EnableMultiCurrency(ctx, ownerID, "USD", []string{"GBP", "JPY"})
	if err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if len(wallets) != 4 {
		t.Fatalf("expected 4 wallets after re-enable, got %d", len(wallets))
	}
}

func TestEnableMultiCurrencyRequiresBaseWallet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	// An owner with no wallet in the base currency cannot enable anything.
	if _, err := svc.EnableMultiCurrency(ctx, uuid.NewString(), "CHF", []string{"EUR", "GBP"}); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestEnableMultiCurrencyTagsPrimaryAndOpensWallets(t *testing.T) {
	svc, store, ownerID := newTestService(t)
	ctx := context.Background()

	wallets, err := svc.EnableMultiCurrency(ctx, ownerID, "USD", []string{"GBP"})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}

	var primary ledger.Wallet
	for _, w := range wallets {
		if w.Currency == "USD" {
			primary = w
		}
	}
	if primary.Metadata["isMultiCurrency"] != true {
		t.Fatalf("expected primary wallet tagged isMultiCurrency, got %v", primary.Metadata)
	}
	if primary.Metadata["baseCurrency"] != "USD" {
		t.Fatalf("expected baseCurrency USD on primary, got %v", primary.Metadata["baseCurrency"])
	}
	supported, ok := primary.Metadata["supportedCurrencies"].([]string)
	if !ok || len(supported) != 3 {
		t.Fatalf("expected 3 supported currencies on primary, got %v", primary.Metadata["supportedCurrencies"])
	}

	// The provisioned wallet opens with a zero-amount creation transaction.
	gbp, err := store.WalletByOwner(ctx, ownerID, "GBP")
	if err != nil {
		t.Fatalf("gbp wallet: %v", err)
	}
	txs, total, err := store.Transactions(ctx, gbp.ID, ledger.TransactionFilter{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one opening transaction, got %d", total)
	}
	if txs[0].Source != ledger.SourceWalletCreation || !txs[0].Amount.IsZero() {
		t.Fatalf("expected zero-amount WALLET_CREATION transaction, got %s %s", txs[0].Source, txs[0].Amount)
	}
}

func TestConsolidatedBalance(t *testing.T) {
	svc, store, ownerID := newTestService(t)
	ctx := context.Background()
	seedWallet(t, store, ownerID, "GBP", 100)

	rates := map[string]decimal.Decimal{
		"USD": decimal.RequireFromString("0.9"),
		"GBP": decimal.RequireFromString("1.2"),
	}
	view, err := svc.Consolidated(ctx, ownerID, "EUR", rates)
	if err != nil {
		t.Fatalf("consolidated: %v", err)
	}
	// 1000 USD * 0.9 + 0 EUR + 100 GBP * 1.2 = 1020 EUR.
	if !view.TotalBalance.Equal(decimal.NewFromInt(1020)) {
		t.Fatalf("expected total 1020, got %s", view.TotalBalance)
	}
	if !view.TotalAvailableBalance.Equal(decimal.NewFromInt(1020)) {
		t.Fatalf("expected available total 1020, got %s", view.TotalAvailableBalance)
	}
	if !view.TotalPendingBalance.IsZero() {
		t.Fatalf("expected pending total 0, got %s", view.TotalPendingBalance)
	}
	if len(view.Wallets) != 3 {
		t.Fatalf("expected 3 wallets, got %d", len(view.Wallets))
	}
	for _, w := range view.Wallets {
		switch w.Currency {
		case "USD":
			if !w.ExchangeRate.Equal(rates["USD"]) || !w.BalanceInTarget.Equal(decimal.NewFromInt(900)) {
				t.Fatalf("expected USD valued at 900 with rate 0.9, got %s at %s", w.BalanceInTarget, w.ExchangeRate)
			}
		case "GBP":
			if !w.BalanceInTarget.Equal(decimal.NewFromInt(120)) {
				t.Fatalf("expected GBP valued at 120, got %s", w.BalanceInTarget)
			}
		case "EUR":
			if !w.ExchangeRate.Equal(decimal.NewFromInt(1)) {
				t.Fatalf("expected target wallet rate 1, got %s", w.ExchangeRate)
			}
		}
	}

	if _, err := svc.Consolidated(ctx, ownerID, "EUR", nil); !errors.Is(err, ErrMissingRate) {
		t.Fatalf("expected ErrMissingRate, got %v", err)
	}
}

func TestAutoConvertExcessOnly(t *testing.T) {
	svc, store, ownerID := newTestService(t)
	ctx := context.Background()

	result, converted, err := svc.AutoConvert(ctx, ownerID, "USD", "EUR",
		decimal.NewFromInt(600), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("auto convert: %v", err)
	}
	if !converted {
		t.Fatalf("expected a conversion")
	}
	if !result.DebitTx.Amount.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("expected excess 400 converted, got %s", result.DebitTx.Amount)
	}

	usd, _ := store.WalletByOwner(ctx, ownerID, "USD")
	if !usd.AvailableBalance.Equal(decimal.NewFromInt(600)) {
		t.Fatalf("expected USD available at threshold 600, got %s", usd.AvailableBalance)
	}

	// Below the threshold nothing converts.
	_, converted, err = svc.AutoConvert(ctx, ownerID, "USD", "EUR",
		decimal.NewFromInt(600), decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("auto convert: %v", err)
	}
	if converted {
		t.Fatalf("expected no conversion at threshold")
	}
}

func TestHistoryListsExchangeLegs(t *testing.T) {
	svc, _, ownerID := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.Exchange(ctx, ExchangeInput{
			OwnerID:      ownerID,
			FromCurrency: "USD",
			ToCurrency:   "EUR",
			Amount:       decimal.NewFromInt(50),
			Rate:         decimal.NewFromInt(1),
		}); err != nil {
			t.Fatalf("exchange: %v", err)
		}
	}

	legs, total, err := svc.History(ctx, ownerID, "USD", 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 2 || len(legs) != 2 {
		t.Fatalf("expected 2 USD exchange legs, got %d", total)
	}
	for _, leg := range legs {
		if leg.Source != ledger.SourceCurrencyExchange {
			t.Fatalf("expected CURRENCY_EXCHANGE source, got %s", leg.Source)
		}
	}
}
