package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore persists wallets and transactions in PostgreSQL. Each
// mutating method runs in one database transaction and locks the affected
// wallet row(s) with SELECT ... FOR UPDATE for its full duration.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const walletColumns = `id, owner_id, currency, balance::text, available_balance::text,
    pending_balance::text, status, min_balance_threshold::text, max_balance_limit::text,
    auto_payout_enabled, auto_payout_threshold::text, metadata, frozen_at, frozen_by,
    frozen_reason, last_transaction_at, created_at, updated_at`

const txColumns = `id, transaction_id, wallet_id, owner_id, type, source, amount::text,
    currency, balance_after::text, status, description, reference_id, reference_type,
    metadata, processed_at, created_at`

func (s *PostgresStore) CreateWallet(ctx context.Context, wallet Wallet, initial *Transaction) (Wallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	now := time.Now().UTC()
	wallet.CreatedAt = now
	wallet.UpdatedAt = now

	meta, err := marshalMetadata(wallet.Metadata)
	if err != nil {
		return Wallet{}, err
	}

	_, err = tx.Exec(ctx, `INSERT INTO wallets
        (id, owner_id, currency, balance, available_balance, pending_balance, status,
         min_balance_threshold, max_balance_limit, auto_payout_enabled, auto_payout_threshold,
         metadata, created_at, updated_at)
        VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7,
                $8::numeric, $9::numeric, $10, $11::numeric, $12, $13, $14)`,
		wallet.ID, wallet.OwnerID, wallet.Currency,
		wallet.Balance.String(), wallet.AvailableBalance.String(), wallet.PendingBalance.String(),
		string(wallet.Status),
		wallet.MinBalanceThreshold.String(), wallet.MaxBalanceLimit.String(),
		wallet.AutoPayoutEnabled, wallet.AutoPayoutThreshold.String(),
		meta, wallet.CreatedAt, wallet.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Wallet{}, ErrWalletExists
		}
		return Wallet{}, err
	}

	if initial != nil {
		t := *initial
		t.WalletID = wallet.ID
		t.OwnerID = wallet.OwnerID
		t.BalanceAfter = wallet.Balance
		t.CreatedAt = now
		if err := insertTransaction(ctx, tx, t); err != nil {
			return Wallet{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}

func (s *PostgresStore) WalletByOwner(ctx context.Context, ownerID, currency string) (Wallet, error) {
	row := s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE owner_id = $1 AND currency = $2`, ownerID, currency)
	return scanWallet(row)
}

func (s *PostgresStore) WalletsByOwner(ctx context.Context, ownerID string) ([]Wallet, error) {
	rows, err := s.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE owner_id = $1 ORDER BY currency ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWallets(rows)
}

func (s *PostgresStore) Wallets(ctx context.Context) ([]Wallet, error) {
	rows, err := s.db.Query(ctx, `SELECT `+walletColumns+` FROM wallets
        ORDER BY owner_id ASC, currency ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWallets(rows)
}

func (s *PostgresStore) SetWalletStatus(ctx context.Context, ownerID, currency string, status WalletStatus, reason, actor string) (Wallet, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := lockWallet(ctx, tx, ownerID, currency)
	if err != nil {
		return Wallet{}, err
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

	if _, err := tx.Exec(ctx, `UPDATE wallets SET status = $1, frozen_at = $2,
        frozen_by = $3, frozen_reason = $4, updated_at = $5 WHERE id = $6`,
		string(w.Status), w.FrozenAt, w.FrozenBy, w.FrozenReason, w.UpdatedAt, w.ID); err != nil {
		return Wallet{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) MergeWalletMetadata(ctx context.Context, ownerID, currency string, merge Metadata) (Wallet, error) {
	meta, err := marshalMetadata(merge)
	if err != nil {
		return Wallet{}, err
	}
	row := s.db.QueryRow(ctx, `UPDATE wallets
        SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = $2
        WHERE owner_id = $3 AND currency = $4
        RETURNING `+walletColumns, meta, time.Now().UTC(), ownerID, currency)
	return scanWallet(row)
}

func (s *PostgresStore) Credit(ctx context.Context, ownerID, currency string, txn Transaction) (Wallet, Transaction, error) {
	return s.mutate(ctx, ownerID, currency, txn, func(w *Wallet, amount decimal.Decimal) error {
		if !w.CanTransact() {
			return ErrWalletNotActive
		}
		applyCredit(w, amount)
		return nil
	})
}

func (s *PostgresStore) Debit(ctx context.Context, ownerID, currency string, txn Transaction) (Wallet, Transaction, error) {
	return s.mutate(ctx, ownerID, currency, txn, applyDebit)
}

func (s *PostgresStore) CreateHold(ctx context.Context, ownerID, currency string, txn Transaction) (Wallet, Transaction, error) {
	return s.mutate(ctx, ownerID, currency, txn, applyHold)
}

// mutate runs the lock-apply-append cycle shared by credit, debit and hold
// creation.
func (s *PostgresStore) mutate(ctx context.Context, ownerID, currency string, txn Transaction, apply func(*Wallet, decimal.Decimal) error) (Wallet, Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := lockWallet(ctx, tx, ownerID, currency)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if err := apply(&w, txn.Amount); err != nil {
		return Wallet{}, Transaction{}, err
	}

	stored, err := appendLocked(ctx, tx, &w, txn)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, Transaction{}, err
	}
	return w, stored, nil
}

func (s *PostgresStore) SettleHold(ctx context.Context, ownerID, currency, holdID string, amount decimal.Decimal, settle Transaction, final TxStatus) (Wallet, Transaction, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	w, err := lockWallet(ctx, tx, ownerID, currency)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}

	row := tx.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE transaction_id = $1 AND wallet_id = $2 AND source = $3`,
		holdID, w.ID, string(SourceEscrowHold))
	hold, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return Wallet{}, Transaction{}, ErrHoldNotFound
		}
		return Wallet{}, Transaction{}, err
	}

	if err := settleHold(&hold, amount, final); err != nil {
		return Wallet{}, Transaction{}, err
	}

	holdMeta, err := marshalMetadata(hold.Metadata)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE wallet_transactions
        SET status = $1, amount = $2::numeric, metadata = $3 WHERE id = $4`,
		string(hold.Status), hold.Amount.String(), holdMeta, hold.ID); err != nil {
		return Wallet{}, Transaction{}, err
	}

	applySettle(&w, amount)
	stored, err := appendLocked(ctx, tx, &w, settle)
	if err != nil {
		return Wallet{}, Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, Transaction{}, err
	}
	return w, stored, nil
}

func (s *PostgresStore) Exchange(ctx context.Context, ownerID, fromCurrency, toCurrency string, amount, converted decimal.Decimal, debitTx, creditTx Transaction) (ExchangeResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ExchangeResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	first, second := exchangeLockOrder(fromCurrency, toCurrency)
	locked := make(map[string]*Wallet, 2)
	for _, cur := range []string{first, second} {
		w, err := lockWallet(ctx, tx, ownerID, cur)
		if err != nil {
			return ExchangeResult{}, err
		}
		locked[cur] = &w
	}
	from, to := locked[fromCurrency], locked[toCurrency]

	if err := applyDebit(from, amount); err != nil {
		return ExchangeResult{}, err
	}
	applyCredit(to, converted)

	storedDebit, err := appendLocked(ctx, tx, from, debitTx)
	if err != nil {
		return ExchangeResult{}, err
	}
	storedCredit, err := appendLocked(ctx, tx, to, creditTx)
	if err != nil {
		return ExchangeResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ExchangeResult{}, err
	}
	return ExchangeResult{FromWallet: *from, ToWallet: *to, DebitTx: storedDebit, CreditTx: storedCredit}, nil
}

// exchangeLockOrder returns the two currencies in the order their wallet
// rows must be locked. Ascending order keeps opposite-direction exchanges
// from deadlocking each other.
func exchangeLockOrder(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func (s *PostgresStore) TransactionByID(ctx context.Context, walletID, transactionID string) (Transaction, error) {
	row := s.db.QueryRow(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE transaction_id = $1 AND wallet_id = $2`, transactionID, walletID)
	return scanTransaction(row)
}

func (s *PostgresStore) Transactions(ctx context.Context, walletID string, filter TransactionFilter) ([]Transaction, int, error) {
	where := `WHERE wallet_id = $1`
	args := []any{walletID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		where += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallet_transactions `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + txColumns + ` FROM wallet_transactions ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *PostgresStore) TransactionsByReference(ctx context.Context, referenceID, referenceType string) ([]Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM wallet_transactions WHERE reference_id = $1`
	args := []any{referenceID}
	if referenceType != "" {
		args = append(args, referenceType)
		query += ` AND reference_type = $2`
	}
	rows, err := s.db.Query(ctx, query+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) PendingHolds(ctx context.Context, walletID string) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE wallet_id = $1 AND source = $2 AND status = $3
        ORDER BY created_at DESC`,
		walletID, string(SourceEscrowHold), string(TxPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (s *PostgresStore) ExpiredHolds(ctx context.Context, now time.Time) ([]Transaction, error) {
	rows, err := s.db.Query(ctx, `SELECT `+txColumns+` FROM wallet_transactions
        WHERE source = $1 AND status = $2
          AND metadata->>'expiresAt' IS NOT NULL
          AND (metadata->>'expiresAt')::timestamptz < $3`,
		string(SourceEscrowHold), string(TxPending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransactions(rows)
}

// lockWallet selects the wallet row FOR UPDATE inside the caller's transaction.
func lockWallet(ctx context.Context, tx pgx.Tx, ownerID, currency string) (Wallet, error) {
	row := tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
        WHERE owner_id = $1 AND currency = $2 FOR UPDATE`, ownerID, currency)
	return scanWallet(row)
}

// appendLocked persists the updated balances of a locked wallet row and
// inserts the paired transaction record.
func appendLocked(ctx context.Context, tx pgx.Tx, w *Wallet, txn Transaction) (Transaction, error) {
	now := time.Now().UTC()
	w.LastTransactionAt = &now
	w.UpdatedAt = now

	if _, err := tx.Exec(ctx, `UPDATE wallets SET balance = $1::numeric,
        available_balance = $2::numeric, pending_balance = $3::numeric,
        last_transaction_at = $4, updated_at = $5 WHERE id = $6`,
		w.Balance.String(), w.AvailableBalance.String(), w.PendingBalance.String(),
		w.LastTransactionAt, w.UpdatedAt, w.ID); err != nil {
		return Transaction{}, err
	}

	txn.WalletID = w.ID
	txn.OwnerID = w.OwnerID
	txn.BalanceAfter = w.Balance
	txn.CreatedAt = now
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return Transaction{}, err
	}
	return txn, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	meta, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO wallet_transactions
        (id, transaction_id, wallet_id, owner_id, type, source, amount, currency,
         balance_after, status, description, reference_id, reference_type, metadata,
         processed_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10, $11, $12,
                $13, $14, $15, $16)`,
		t.ID, t.TransactionID, t.WalletID, t.OwnerID, string(t.Type), string(t.Source),
		t.Amount.String(), t.Currency, t.BalanceAfter.String(), string(t.Status),
		t.Description, t.ReferenceID, t.ReferenceType, meta, t.ProcessedAt, t.CreatedAt)
	return err
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w                                   Wallet
		balance, available, pending         string
		minThreshold, maxLimit, payoutLimit string
		status                              string
		meta                                []byte
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.Currency, &balance, &available, &pending,
		&status, &minThreshold, &maxLimit, &w.AutoPayoutEnabled, &payoutLimit,
		&meta, &w.FrozenAt, &w.FrozenBy, &w.FrozenReason, &w.LastTransactionAt,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}

	w.Status = WalletStatus(status)
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return Wallet{}, fmt.Errorf("parse balance: %w", err)
	}
	if w.AvailableBalance, err = decimal.NewFromString(available); err != nil {
		return Wallet{}, fmt.Errorf("parse available balance: %w", err)
	}
	if w.PendingBalance, err = decimal.NewFromString(pending); err != nil {
		return Wallet{}, fmt.Errorf("parse pending balance: %w", err)
	}
	if w.MinBalanceThreshold, err = decimal.NewFromString(minThreshold); err != nil {
		return Wallet{}, fmt.Errorf("parse min balance threshold: %w", err)
	}
	if w.MaxBalanceLimit, err = decimal.NewFromString(maxLimit); err != nil {
		return Wallet{}, fmt.Errorf("parse max balance limit: %w", err)
	}
	if w.AutoPayoutThreshold, err = decimal.NewFromString(payoutLimit); err != nil {
		return Wallet{}, fmt.Errorf("parse auto payout threshold: %w", err)
	}
	if w.Metadata, err = unmarshalMetadata(meta); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		t                    Transaction
		typ, source, status  string
		amount, balanceAfter string
		meta                 []byte
	)
	err := row.Scan(&t.ID, &t.TransactionID, &t.WalletID, &t.OwnerID, &typ, &source,
		&amount, &t.Currency, &balanceAfter, &status, &t.Description, &t.ReferenceID,
		&t.ReferenceType, &meta, &t.ProcessedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}

	t.Type = TxType(typ)
	t.Source = TxSource(source)
	t.Status = TxStatus(status)
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transaction{}, fmt.Errorf("parse amount: %w", err)
	}
	if t.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return Transaction{}, fmt.Errorf("parse balance after: %w", err)
	}
	if t.Metadata, err = unmarshalMetadata(meta); err != nil {
		return Transaction{}, err
	}
	return t, nil
}

func collectWallets(rows pgx.Rows) ([]Wallet, error) {
	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func collectTransactions(rows pgx.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func marshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(raw []byte) (Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
