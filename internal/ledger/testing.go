package ledger

import "github.com/shopspring/decimal"

// SeedBalance overwrites a wallet's total balance when using the in-memory
// store, bypassing the transaction log. Useful for constructing drift
// scenarios in reconciliation tests.
func SeedBalance(s Store, ownerID, currency string, balance decimal.Decimal) {
	mem, ok := s.(*inMemoryStore)
	if !ok {
		return
	}
	mem.mu.Lock()
	defer mem.mu.Unlock()
	if w, ok := mem.wallets[walletKey(ownerID, currency)]; ok {
		w.Balance = balance
		w.AvailableBalance = w.Balance.Sub(w.PendingBalance)
	}
}
