package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newWallet(ownerID, currency string, balance int64) Wallet {
	amount := decimal.NewFromInt(balance)
	return Wallet{
		ID:               "wal_" + uuid.NewString(),
		OwnerID:          ownerID,
		Currency:         currency,
		Balance:          amount,
		AvailableBalance: amount,
		PendingBalance:   decimal.Zero,
		Status:           WalletActive,
	}
}

func newTx(txType TxType, source TxSource, currency string, amount int64) Transaction {
	return Transaction{
		TransactionID: "txn_" + uuid.NewString(),
		Type:          txType,
		Source:        source,
		Amount:        decimal.NewFromInt(amount),
		Currency:      currency,
		Status:        TxCompleted,
	}
}

func TestCreateWalletWithOpeningTransaction(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	opening := newTx(TxCredit, SourceTopUp, "USD", 100)
	wallet, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 100), &opening)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	txs, total, err := store.Transactions(ctx, wallet.ID, TransactionFilter{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one opening transaction, got %d", total)
	}
	if !txs[0].BalanceAfter.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected opening balance after 100, got %s", txs[0].BalanceAfter)
	}

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 0), nil); !errors.Is(err, ErrWalletExists) {
		t.Fatalf("expected ErrWalletExists, got %v", err)
	}
}

func TestEveryMutationAppendsOneTransaction(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	wallet, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 0), nil)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	if _, _, err := store.Credit(ctx, ownerID, "USD", newTx(TxCredit, SourceTopUp, "USD", 100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, _, err := store.Debit(ctx, ownerID, "USD", newTx(TxDebit, SourceWithdrawal, "USD", 30)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	hold := newTx(TxDebit, SourceEscrowHold, "USD", 20)
	hold.Status = TxPending
	if _, _, err := store.CreateHold(ctx, ownerID, "USD", hold); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	_, total, err := store.Transactions(ctx, wallet.ID, TransactionFilter{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 transactions, got %d", total)
	}

	// Failed mutations must not append.
	if _, _, err := store.Debit(ctx, ownerID, "USD", newTx(TxDebit, SourceWithdrawal, "USD", 1000)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	_, total, err = store.Transactions(ctx, wallet.ID, TransactionFilter{})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 3 {
		t.Fatalf("failed debit appended a transaction, got %d", total)
	}
}

func TestTransactionFilterAndPagination(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	wallet, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 0), nil)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := store.Credit(ctx, ownerID, "USD", newTx(TxCredit, SourceTopUp, "USD", 10)); err != nil {
			t.Fatalf("credit: %v", err)
		}
	}
	if _, _, err := store.Debit(ctx, ownerID, "USD", newTx(TxDebit, SourceWithdrawal, "USD", 5)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	credits, total, err := store.Transactions(ctx, wallet.ID, TransactionFilter{Type: TxCredit})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 5 || len(credits) != 5 {
		t.Fatalf("expected 5 credits, got %d", total)
	}

	page, total, err := store.Transactions(ctx, wallet.ID, TransactionFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if total != 6 || len(page) != 2 {
		t.Fatalf("expected page of 2 from 6, got %d of %d", len(page), total)
	}
}

func TestSettleHoldPartialThenFinal(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 100), nil); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	hold := newTx(TxDebit, SourceEscrowHold, "USD", 80)
	hold.Status = TxPending
	if _, _, err := store.CreateHold(ctx, ownerID, "USD", hold); err != nil {
		t.Fatalf("create hold: %v", err)
	}

	settle := newTx(TxCredit, SourceEscrowRelease, "USD", 50)
	wallet, _, err := store.SettleHold(ctx, ownerID, "USD", hold.TransactionID, decimal.NewFromInt(50), settle, TxCompleted)
	if err != nil {
		t.Fatalf("partial settle: %v", err)
	}
	if !wallet.PendingBalance.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected pending 30, got %s", wallet.PendingBalance)
	}

	remaining, err := store.TransactionByID(ctx, wallet.ID, hold.TransactionID)
	if err != nil {
		t.Fatalf("hold lookup: %v", err)
	}
	if remaining.Status != TxPending || !remaining.Amount.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected pending hold of 30, got %s %s", remaining.Status, remaining.Amount)
	}

	over := newTx(TxCredit, SourceEscrowRelease, "USD", 31)
	if _, _, err := store.SettleHold(ctx, ownerID, "USD", hold.TransactionID, decimal.NewFromInt(31), over, TxCompleted); !errors.Is(err, ErrReleaseExceedsHold) {
		t.Fatalf("expected ErrReleaseExceedsHold, got %v", err)
	}

	final := newTx(TxCredit, SourceEscrowRelease, "USD", 30)
	wallet, _, err = store.SettleHold(ctx, ownerID, "USD", hold.TransactionID, decimal.NewFromInt(30), final, TxCompleted)
	if err != nil {
		t.Fatalf("final settle: %v", err)
	}
	if !wallet.PendingBalance.IsZero() || !wallet.AvailableBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected fully restored wallet, got pending=%s available=%s",
			wallet.PendingBalance, wallet.AvailableBalance)
	}
}

func TestExchangeConservesValue(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 100), nil); err != nil {
		t.Fatalf("create USD wallet: %v", err)
	}
	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "EUR", 0), nil); err != nil {
		t.Fatalf("create EUR wallet: %v", err)
	}

	amount := decimal.NewFromInt(40)
	converted := decimal.RequireFromString("36")
	result, err := store.Exchange(ctx, ownerID, "USD", "EUR", amount, converted,
		newTx(TxDebit, SourceCurrencyExchange, "USD", 40),
		newTx(TxCredit, SourceCurrencyExchange, "EUR", 36))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !result.FromWallet.Balance.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected USD 60, got %s", result.FromWallet.Balance)
	}
	if !result.ToWallet.Balance.Equal(decimal.NewFromInt(36)) {
		t.Fatalf("expected EUR 36, got %s", result.ToWallet.Balance)
	}
	if !result.DebitTx.BalanceAfter.Equal(decimal.NewFromInt(60)) || !result.CreditTx.BalanceAfter.Equal(decimal.NewFromInt(36)) {
		t.Fatalf("exchange legs carry wrong balance snapshots")
	}
}

func TestOppositeExchangesBothComplete(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 100), nil); err != nil {
		t.Fatalf("create USD wallet: %v", err)
	}
	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "EUR", 100), nil); err != nil {
		t.Fatalf("create EUR wallet: %v", err)
	}

	errs := make(chan error, 2)
	go func() {
		_, err := store.Exchange(ctx, ownerID, "USD", "EUR",
			decimal.NewFromInt(30), decimal.NewFromInt(30),
			newTx(TxDebit, SourceCurrencyExchange, "USD", 30),
			newTx(TxCredit, SourceCurrencyExchange, "EUR", 30))
		errs <- err
	}()
	go func() {
		_, err := store.Exchange(ctx, ownerID, "EUR", "USD",
			decimal.NewFromInt(40), decimal.NewFromInt(40),
			newTx(TxDebit, SourceCurrencyExchange, "EUR", 40),
			newTx(TxCredit, SourceCurrencyExchange, "USD", 40))
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("exchange: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("opposite-direction exchanges did not both complete")
		}
	}

	usd, err := store.WalletByOwner(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("usd wallet: %v", err)
	}
	eur, err := store.WalletByOwner(ctx, ownerID, "EUR")
	if err != nil {
		t.Fatalf("eur wallet: %v", err)
	}
	if !usd.Balance.Equal(decimal.NewFromInt(110)) || !eur.Balance.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected USD=110 EUR=90 after both exchanges, got USD=%s EUR=%s", usd.Balance, eur.Balance)
	}
}

func TestConcurrentHoldsRespectAvailable(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 100), nil); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hold := newTx(TxDebit, SourceEscrowHold, "USD", 10)
			hold.Status = TxPending
			_, _, err := store.CreateHold(ctx, ownerID, "USD", hold)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("unexpected hold error: %v", err)
		}
	}
	if succeeded != 10 {
		t.Fatalf("expected exactly 10 holds to succeed, got %d", succeeded)
	}

	wallet, err := store.WalletByOwner(ctx, ownerID, "USD")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.AvailableBalance.IsZero() || !wallet.PendingBalance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected everything held, got available=%s pending=%s",
			wallet.AvailableBalance, wallet.PendingBalance)
	}
}

func TestExpiredHolds(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 100), nil); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	expired := newTx(TxDebit, SourceEscrowHold, "USD", 10)
	expired.Status = TxPending
	expired.Metadata = Metadata{MetadataExpiresAt: time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)}
	if _, _, err := store.CreateHold(ctx, ownerID, "USD", expired); err != nil {
		t.Fatalf("create expired hold: %v", err)
	}

	live := newTx(TxDebit, SourceEscrowHold, "USD", 10)
	live.Status = TxPending
	live.Metadata = Metadata{MetadataExpiresAt: time.Now().Add(time.Minute).UTC().Format(time.RFC3339)}
	if _, _, err := store.CreateHold(ctx, ownerID, "USD", live); err != nil {
		t.Fatalf("create live hold: %v", err)
	}

	holds, err := store.ExpiredHolds(ctx, time.Now())
	if err != nil {
		t.Fatalf("expired holds: %v", err)
	}
	if len(holds) != 1 || holds[0].TransactionID != expired.TransactionID {
		t.Fatalf("expected only the expired hold, got %d", len(holds))
	}
}

func TestMergeWalletMetadata(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 0), nil); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	wallet, err := store.MergeWalletMetadata(ctx, ownerID, "USD", Metadata{"tier": "pro"})
	if err != nil {
		t.Fatalf("merge metadata: %v", err)
	}
	if wallet.Metadata["tier"] != "pro" {
		t.Fatalf("expected merged metadata, got %v", wallet.Metadata)
	}

	wallet, err = store.MergeWalletMetadata(ctx, ownerID, "USD", Metadata{"region": "eu"})
	if err != nil {
		t.Fatalf("merge metadata: %v", err)
	}
	if wallet.Metadata["tier"] != "pro" || wallet.Metadata["region"] != "eu" {
		t.Fatalf("merge must keep existing keys, got %v", wallet.Metadata)
	}
}

func TestTransactionsByReference(t *testing.T) {
	store := NewInMemory()
	ctx := context.Background()
	ownerID := uuid.NewString()

	if _, err := store.CreateWallet(ctx, newWallet(ownerID, "USD", 0), nil); err != nil {
		t.Fatalf("create wallet: %v", err)
	}

	tx := newTx(TxCredit, SourceTopUp, "USD", 25)
	tx.ReferenceID = "booking_7"
	tx.ReferenceType = "BOOKING"
	if _, _, err := store.Credit(ctx, ownerID, "USD", tx); err != nil {
		t.Fatalf("credit: %v", err)
	}

	matches, err := store.TransactionsByReference(ctx, "booking_7", "BOOKING")
	if err != nil {
		t.Fatalf("by reference: %v", err)
	}
	if len(matches) != 1 || matches[0].TransactionID != tx.TransactionID {
		t.Fatalf("expected one referenced transaction, got %d", len(matches))
	}

	none, err := store.TransactionsByReference(ctx, "booking_7", "PAYMENT")
	if err != nil {
		t.Fatalf("by reference: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no matches for wrong type, got %d", len(none))
	}
}
