package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type inMemoryStore struct {
	mu           sync.RWMutex
	wallets      map[string]*Wallet        // keyed by ownerID+"/"+currency
	transactions map[string][]*Transaction // keyed by walletID, append order
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit
// tests. A single mutex serializes mutations, so the ordered-locking
// requirement for exchanges is trivially satisfied.
func NewInMemory() Store {
	return &inMemoryStore{
		wallets:      make(map[string]*Wallet),
		transactions: make(map[string][]*Transaction),
	}
}

func walletKey(ownerID, currency string) string {
	return ownerID + "/" + currency
}

func cloneWallet(w *Wallet) Wallet {
	out := *w
	out.Metadata = cloneMetadata(w.Metadata)
	return out
}

func cloneTx(tx *Transaction) Transaction {
	out := *tx
	out.Metadata = cloneMetadata(tx.Metadata)
	return out
}

func cloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *inMemoryStore) CreateWallet(_ context.Context, wallet Wallet, initial *Transaction) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey(wallet.OwnerID, wallet.Currency)
	if _, exists := s.wallets[key]; exists {
		return Wallet{}, ErrWalletExists
	}

	now := time.Now().UTC()
	wallet.CreatedAt = now
	wallet.UpdatedAt = now
	stored := cloneWallet(&wallet)
	s.wallets[key] = &stored

	if initial != nil {
		tx := cloneTx(initial)
		tx.WalletID = wallet.ID
		tx.BalanceAfter = wallet.Balance
		tx.CreatedAt = now
		s.transactions[wallet.ID] = append(s.transactions[wallet.ID], &tx)
	}

	return cloneWallet(&stored), nil
}

func (s *inMemoryStore) WalletByOwner(_ context.Context, ownerID, currency string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (s *inMemoryStore) WalletsByOwner(_ context.Context, ownerID string) ([]Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Wallet
	for _, w := range s.wallets {
		if w.OwnerID == ownerID {
			out = append(out, cloneWallet(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *inMemoryStore) Wallets(_ context.Context) ([]Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, cloneWallet(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID == out[j].OwnerID {
			return out[i].Currency < out[j].Currency
		}
		return out[i].OwnerID < out[j].OwnerID
	})
	return out, nil
}

func (s *inMemoryStore) SetWalletStatus(_ context.Context, ownerID, currency string, status WalletStatus, reason, actor string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}

	now := time.Now().UTC()
	if status == WalletFrozen {
		w.FrozenAt = &now
		w.FrozenBy = actor
		w.FrozenReason = reason
	} else if w.Status == WalletFrozen {
		w.FrozenAt = nil
		w.FrozenBy = ""
		w.FrozenReason = ""
	}
	w.Status = status
	w.UpdatedAt = now
	return cloneWallet(w), nil
}

func (s *inMemoryStore) MergeWalletMetadata(_ context.Context, ownerID, currency string, merge Metadata) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if w.Metadata == nil {
		w.Metadata = Metadata{}
	}
	for k, v := range merge {
		w.Metadata[k] = v
	}
	w.UpdatedAt = time.Now().UTC()
	return cloneWallet(w), nil
}

func (s *inMemoryStore) Credit(_ context.Context, ownerID, currency string, tx Transaction) (Wallet, Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, Transaction{}, ErrWalletNotFound
	}
	if !w.CanTransact() {
		return Wallet{}, Transaction{}, ErrWalletNotActive
	}

	applyCredit(w, tx.Amount)
	return s.appendTx(w, tx)
}

func (s *inMemoryStore) Debit(_ context.Context, ownerID, currency string, tx Transaction) (Wallet, Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, Transaction{}, ErrWalletNotFound
	}
	if err := applyDebit(w, tx.Amount); err != nil {
		return Wallet{}, Transaction{}, err
	}
	return s.appendTx(w, tx)
}

func (s *inMemoryStore) CreateHold(_ context.Context, ownerID, currency string, tx Transaction) (Wallet, Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, Transaction{}, ErrWalletNotFound
	}
	if err := applyHold(w, tx.Amount); err != nil {
		return Wallet{}, Transaction{}, err
	}
	return s.appendTx(w, tx)
}

func (s *inMemoryStore) SettleHold(_ context.Context, ownerID, currency, holdID string, amount decimal.Decimal, settle Transaction, final TxStatus) (Wallet, Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(ownerID, currency)]
	if !ok {
		return Wallet{}, Transaction{}, ErrWalletNotFound
	}

	var hold *Transaction
	for _, tx := range s.transactions[w.ID] {
		if tx.TransactionID == holdID && tx.Source == SourceEscrowHold {
			hold = tx
			break
		}
	}
	if hold == nil {
		return Wallet{}, Transaction{}, ErrHoldNotFound
	}
	if err := settleHold(hold, amount, final); err != nil {
		return Wallet{}, Transaction{}, err
	}

	applySettle(w, amount)
	return s.appendTx(w, settle)
}

func (s *inMemoryStore) Exchange(_ context.Context, ownerID, fromCurrency, toCurrency string, amount, converted decimal.Decimal, debitTx, creditTx Transaction) (ExchangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.wallets[walletKey(ownerID, fromCurrency)]
	if !ok {
		return ExchangeResult{}, ErrWalletNotFound
	}
	to, ok := s.wallets[walletKey(ownerID, toCurrency)]
	if !ok {
		return ExchangeResult{}, ErrWalletNotFound
	}
	if err := applyDebit(from, amount); err != nil {
		return ExchangeResult{}, err
	}
	applyCredit(to, converted)

	_, storedDebit, err := s.appendTx(from, debitTx)
	if err != nil {
		return ExchangeResult{}, err
	}
	_, storedCredit, err := s.appendTx(to, creditTx)
	if err != nil {
		return ExchangeResult{}, err
	}

	return ExchangeResult{
		FromWallet: cloneWallet(from),
		ToWallet:   cloneWallet(to),
		DebitTx:    storedDebit,
		CreditTx:   storedCredit,
	}, nil
}

// appendTx stamps and stores a transaction against a locked wallet.
// Caller must hold s.mu.
func (s *inMemoryStore) appendTx(w *Wallet, tx Transaction) (Wallet, Transaction, error) {
	now := time.Now().UTC()
	tx.WalletID = w.ID
	tx.OwnerID = w.OwnerID
	tx.BalanceAfter = w.Balance
	tx.CreatedAt = now

	stored := cloneTx(&tx)
	s.transactions[w.ID] = append(s.transactions[w.ID], &stored)

	w.LastTransactionAt = &now
	w.UpdatedAt = now
	return cloneWallet(w), cloneTx(&stored), nil
}

func (s *inMemoryStore) TransactionByID(_ context.Context, walletID, transactionID string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions[walletID] {
		if tx.TransactionID == transactionID {
			return cloneTx(tx), nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (s *inMemoryStore) Transactions(_ context.Context, walletID string, filter TransactionFilter) ([]Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []Transaction
	for _, tx := range s.transactions[walletID] {
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Source != "" && tx.Source != filter.Source {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneTx(tx))
	}
	total := len(matched)

	// Newest first, matching the Postgres ordering.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *inMemoryStore) TransactionsByReference(_ context.Context, referenceID, referenceType string) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, txs := range s.transactions {
		for _, tx := range txs {
			if tx.ReferenceID == referenceID && (referenceType == "" || tx.ReferenceType == referenceType) {
				out = append(out, cloneTx(tx))
			}
		}
	}
	return out, nil
}

func (s *inMemoryStore) PendingHolds(_ context.Context, walletID string) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	txs := s.transactions[walletID]
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx.Source == SourceEscrowHold && tx.Status == TxPending {
			out = append(out, cloneTx(tx))
		}
	}
	return out, nil
}

func (s *inMemoryStore) ExpiredHolds(_ context.Context, now time.Time) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for _, txs := range s.transactions {
		for _, tx := range txs {
			if tx.Source != SourceEscrowHold || tx.Status != TxPending {
				continue
			}
			if expiry, ok := holdExpiry(*tx); ok && expiry.Before(now) {
				out = append(out, cloneTx(tx))
			}
		}
	}
	return out, nil
}
