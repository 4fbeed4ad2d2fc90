package wallet

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

func newTestService() (*Service, ledger.Store, *events.InMemoryFinancialStore) {
	store := ledger.NewInMemory()
	financial := events.NewInMemoryFinancialStore()
	svc := NewService(store, id.UUIDGenerator{}, nil, financial, slog.Default())
	return svc, store, financial
}

func TestCreateWalletWithInitialBalance(t *testing.T) {
	svc, store, financial := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	wallet, err := svc.CreateWallet(ctx, CreateWalletInput{
		OwnerID:        ownerID,
		Currency:       "usd",
		InitialBalance: decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if wallet.Currency != "USD" {
		t.Fatalf("expected normalized currency USD, got %s", wallet.Currency)
	}
	if !wallet.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected balance 100, got %s", wallet.Balance)
	}
	if !wallet.AvailableBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected available 100, got %s", wallet.AvailableBalance)
	}

	txs, total, err := store.Transactions(ctx, wallet.ID, ledger.TransactionFilter{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 1 || txs[0].Source != ledger.SourceTopUp {
		t.Fatalf("expected one opening top-up transaction, got %d", total)
	}

	recorded, _, err := financial.Events(ctx, events.FinancialQuery{AggregateID: ownerID})
	if err != nil {
		t.Fatalf("financial events: %v", err)
	}
	if len(recorded) != 1 || recorded[0].EventType != events.EventWalletCreated {
		t.Fatalf("expected WALLET_CREATED event, got %v", recorded)
	}
}

func TestCreateWalletDuplicate(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{OwnerID: ownerID, Currency: "EUR"}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	_, err := svc.CreateWallet(ctx, CreateWalletInput{OwnerID: ownerID, Currency: "EUR"})
	if !errors.Is(err, ledger.ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists, got %v", err)
	}
}

func TestCreditAndDebit(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{OwnerID: ownerID, Currency: "USD"}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	creditTx, err := svc.Credit(ctx, TransactionInput{
		OwnerID:  ownerID,
		Currency: "USD",
		Amount:   decimal.NewFromInt(250),
		Source:   ledger.SourceTopUp,
	})
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !creditTx.BalanceAfter.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected balance after 250, got %s", creditTx.BalanceAfter)
	}

	debitTx, err := svc.Debit(ctx, TransactionInput{
		OwnerID:  ownerID,
		Currency: "USD",
		Amount:   decimal.NewFromInt(100),
	})
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !debitTx.BalanceAfter.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("expected balance after 150, got %s", debitTx.BalanceAfter)
	}
	if debitTx.Source != ledger.SourceWithdrawal {
		t.Fatalf("expected default WITHDRAWAL source, got %s", debitTx.Source)
	}

	wallet, err := svc.Wallet(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.Balance.Equal(wallet.AvailableBalance.Add(wallet.PendingBalance)) {
		t.Fatalf("balance invariant violated: %s != %s + %s", wallet.Balance, wallet.AvailableBalance, wallet.PendingBalance)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{
		OwnerID: ownerID, Currency: "USD", InitialBalance: decimal.NewFromInt(50),
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	_, err := svc.Debit(ctx, TransactionInput{
		OwnerID:  ownerID,
		Currency: "USD",
		Amount:   decimal.NewFromInt(51),
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// A failed debit leaves the balance untouched.
	wallet, err := svc.Wallet(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected balance 50, got %s", wallet.Balance)
	}
}

func TestRejectNonPositiveAmounts(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{OwnerID: ownerID, Currency: "USD"}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	for _, amount := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(-5)} {
		if _, err := svc.Credit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: amount}); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("credit %s: expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := svc.Debit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: amount}); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Fatalf("debit %s: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestFreezeBlocksMutations(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{
		OwnerID: ownerID, Currency: "USD", InitialBalance: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	frozen, err := svc.Freeze(ctx, ownerID, "USD", "fraud review", "admin_1")
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if frozen.Status != ledger.WalletFrozen || frozen.FrozenReason != "fraud review" {
		t.Fatalf("expected frozen wallet, got %s", frozen.Status)
	}

	if _, err := svc.Credit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: decimal.NewFromInt(1)}); !errors.Is(err, ledger.ErrWalletNotActive) {
		t.Fatalf("expected ErrWalletNotActive on credit, got %v", err)
	}
	if _, err := svc.Debit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: decimal.NewFromInt(1)}); !errors.Is(err, ledger.ErrWalletNotActive) {
		t.Fatalf("expected ErrWalletNotActive on debit, got %v", err)
	}

	unfrozen, err := svc.Unfreeze(ctx, ownerID, "USD", "review closed", "admin_1")
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if unfrozen.Status != ledger.WalletActive || unfrozen.FrozenReason != "" {
		t.Fatalf("expected active wallet with cleared freeze fields, got %s", unfrozen.Status)
	}

	if _, err := svc.Debit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: decimal.NewFromInt(10)}); err != nil {
		t.Fatalf("debit after unfreeze: %v", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{
		OwnerID: ownerID, Currency: "USD", InitialBalance: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	const workers = 20
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := svc.Debit(ctx, TransactionInput{
				OwnerID:  ownerID,
				Currency: "USD",
				Amount:   decimal.NewFromInt(10),
			})
			errs <- err
		}()
	}

	succeeded := 0
	for i := 0; i < workers; i++ {
		if err := <-errs; err == nil {
			succeeded++
		} else if !errors.Is(err, ledger.ErrInsufficientBalance) {
			t.Fatalf("unexpected debit error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("expected exactly 10 debits to succeed, got %d", succeeded)
	}

	wallet, err := svc.Wallet(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.Balance.IsZero() {
		t.Fatalf("expected zero balance, got %s", wallet.Balance)
	}
	if wallet.AvailableBalance.IsNegative() {
		t.Fatalf("available balance went negative: %s", wallet.AvailableBalance)
	}
}

func TestSummaryAggregates(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := svc.CreateWallet(ctx, CreateWalletInput{OwnerID: ownerID, Currency: "USD"}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.Credit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: decimal.NewFromInt(100)}); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	if _, err := svc.Debit(ctx, TransactionInput{OwnerID: ownerID, Currency: "USD", Amount: decimal.NewFromInt(40)}); err != nil {
		t.Fatalf("debit: %v", err)
	}

	summary, err := svc.Summary(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if !summary.TotalEarnings.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("expected earnings 300, got %s", summary.TotalEarnings)
	}
	if !summary.TotalPayouts.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected payouts 40, got %s", summary.TotalPayouts)
	}
	if summary.TransactionCount != 4 {
		t.Fatalf("expected 4 transactions, got %d", summary.TransactionCount)
	}
	if len(summary.RecentTransactions) != 4 {
		t.Fatalf("expected 4 recent transactions, got %d", len(summary.RecentTransactions))
	}
}
