package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stayflow/stayflow/internal/id"
)

// AggregateType identifies the aggregate a financial event belongs to.
type AggregateType string

const AggregateWallet AggregateType = "WALLET"

// FinancialEventType enumerates durable financial event kinds.
type FinancialEventType string

const (
	EventWalletCreated           FinancialEventType = "WALLET_CREATED"
	EventWalletCredited          FinancialEventType = "WALLET_CREDITED"
	EventWalletDebited           FinancialEventType = "WALLET_DEBITED"
	EventWalletFrozen            FinancialEventType = "WALLET_FROZEN"
	EventWalletUnfrozen          FinancialEventType = "WALLET_UNFROZEN"
	EventEscrowHoldCreated       FinancialEventType = "ESCROW_HOLD_CREATED"
	EventEscrowHoldReleased      FinancialEventType = "ESCROW_HOLD_RELEASED"
	EventEscrowHoldCancelled     FinancialEventType = "ESCROW_HOLD_CANCELLED"
	EventMultiCurrencyEnabled    FinancialEventType = "MULTI_CURRENCY_ENABLED"
	EventCurrencyExchanged       FinancialEventType = "CURRENCY_EXCHANGED"
	EventReconciliationCompleted FinancialEventType = "RECONCILIATION_COMPLETED"
)

// FinancialEvent is a durable, append-only record mirroring a
// balance-affecting action. The stream is the authoritative audit record
// used for replay and rebuild tooling.
type FinancialEvent struct {
	ID            string
	AggregateID   string
	AggregateType AggregateType
	EventType     FinancialEventType
	EventData     map[string]any
	Metadata      map[string]any
	OwnerID       string
	Amount        decimal.Decimal
	Currency      string
	CreatedAt     time.Time
}

// FinancialQuery narrows event stream reads.
type FinancialQuery struct {
	AggregateID string
	EventTypes  []FinancialEventType
	Limit       int
	Offset      int
}

// FinancialStore persists the financial event stream. Append is the only
// mutation; events are never updated or deleted.
type FinancialStore interface {
	Append(ctx context.Context, evt FinancialEvent) error
	Events(ctx context.Context, q FinancialQuery) ([]FinancialEvent, int, error)
}

// PostgresFinancialStore stores financial events in PostgreSQL.
type PostgresFinancialStore struct {
	db *pgxpool.Pool
}

// NewPostgresFinancialStore constructs a Postgres-backed financial event store.
func NewPostgresFinancialStore(db *pgxpool.Pool) *PostgresFinancialStore {
	return &PostgresFinancialStore{db: db}
}

func (s *PostgresFinancialStore) Append(ctx context.Context, evt FinancialEvent) error {
	if evt.ID == "" {
		evt.ID = id.UUIDGenerator{}.New(id.Event)
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(evt.EventData)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	meta, err := json.Marshal(evt.Metadata)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, `INSERT INTO financial_events
        (id, aggregate_id, aggregate_type, event_type, event_data, metadata,
         owner_id, amount, currency, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10)`,
		evt.ID, evt.AggregateID, string(evt.AggregateType), string(evt.EventType),
		data, meta, evt.OwnerID, evt.Amount.String(), evt.Currency, evt.CreatedAt)
	return err
}

func (s *PostgresFinancialStore) Events(ctx context.Context, q FinancialQuery) ([]FinancialEvent, int, error) {
	where := `WHERE 1=1`
	args := []any{}
	if q.AggregateID != "" {
		args = append(args, q.AggregateID)
		where += fmt.Sprintf(" AND aggregate_id = $%d", len(args))
	}
	if len(q.EventTypes) > 0 {
		types := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			types[i] = string(t)
		}
		args = append(args, types)
		where += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM financial_events `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, aggregate_id, aggregate_type, event_type, event_data,
        metadata, owner_id, amount::text, currency, created_at
        FROM financial_events ` + where + ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []FinancialEvent
	for rows.Next() {
		evt, err := scanFinancialEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, evt)
	}
	return out, total, rows.Err()
}

func scanFinancialEvent(row pgx.Row) (FinancialEvent, error) {
	var (
		evt            FinancialEvent
		aggType, eType string
		data, meta     []byte
		amount         string
	)
	if err := row.Scan(&evt.ID, &evt.AggregateID, &aggType, &eType, &data, &meta,
		&evt.OwnerID, &amount, &evt.Currency, &evt.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FinancialEvent{}, pgx.ErrNoRows
		}
		return FinancialEvent{}, err
	}

	evt.AggregateType = AggregateType(aggType)
	evt.EventType = FinancialEventType(eType)

	var err error
	if evt.Amount, err = decimal.NewFromString(amount); err != nil {
		return FinancialEvent{}, fmt.Errorf("parse amount: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &evt.EventData); err != nil {
			return FinancialEvent{}, fmt.Errorf("decode event data: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &evt.Metadata); err != nil {
			return FinancialEvent{}, fmt.Errorf("decode event metadata: %w", err)
		}
	}
	return evt, nil
}

// InMemoryFinancialStore keeps the event stream in memory for tests.
type InMemoryFinancialStore struct {
	mu     sync.RWMutex
	events []FinancialEvent
}

// NewInMemoryFinancialStore constructs an empty in-memory event store.
func NewInMemoryFinancialStore() *InMemoryFinancialStore {
	return &InMemoryFinancialStore{}
}

func (s *InMemoryFinancialStore) Append(_ context.Context, evt FinancialEvent) error {
	if evt.ID == "" {
		evt.ID = id.UUIDGenerator{}.New(id.Event)
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *InMemoryFinancialStore) Events(_ context.Context, q FinancialQuery) ([]FinancialEvent, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []FinancialEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		evt := s.events[i]
		if q.AggregateID != "" && evt.AggregateID != q.AggregateID {
			continue
		}
		if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, evt.EventType) {
			continue
		}
		matched = append(matched, evt)
	}
	total := len(matched)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func containsEventType(types []FinancialEventType, t FinancialEventType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}
