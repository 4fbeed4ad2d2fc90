package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Domain event names published by the ledger services after commit.
const (
	WalletCredited       = "wallet.credited"
	WalletDebited        = "wallet.debited"
	EscrowHoldCreated    = "wallet.escrow.hold.created"
	EscrowHoldReleased   = "wallet.escrow.hold.released"
	EscrowHoldCancelled  = "wallet.escrow.hold.cancelled"
	MultiCurrencyEnabled = "wallet.multi.currency.enabled"
	CurrencyExchanged    = "wallet.currency.exchanged"
)

// Event is a fire-and-forget domain notification. Payload carries
// walletId/ownerId, amount, currency, transactionId, resulting balances and
// a metadata bag, depending on the event.
type Event struct {
	Name       string
	OwnerID    string
	Payload    map[string]any
	OccurredAt time.Time
}

// Handler consumes a published event. Handlers must not assume ordering
// guarantees beyond per-bus FIFO and may be invoked more than once for the
// same logical event.
type Handler func(ctx context.Context, evt Event)

// Bus is an asynchronous in-process event dispatcher. Publish never blocks
// the financial commit path: events are queued on a buffered channel and
// dispatched on a single background goroutine; a slow or failing subscriber
// cannot roll back or stall a mutation.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]Handler
	all    []Handler
	ch     chan Event
	done   chan struct{}
	closed bool
	logger *slog.Logger
}

// NewBus starts a bus with the given queue depth.
func NewBus(logger *slog.Logger, buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		subs:   make(map[string][]Handler),
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event without blocking. When the queue is full the
// event is dropped and logged; delivery is at-least-once best effort, never
// a reason to fail the financial operation that produced it.
func (b *Bus) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.ch <- evt:
	default:
		b.logger.Warn("event queue full, dropping event", "event", evt.Name, "owner_id", evt.OwnerID)
	}
}

// Close stops accepting events and waits for queued events to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.ch)
	<-b.done
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for evt := range b.ch {
		b.mu.RLock()
		handlers := append([]Handler(nil), b.subs[evt.Name]...)
		handlers = append(handlers, b.all...)
		b.mu.RUnlock()

		for _, h := range handlers {
			b.deliver(h, evt)
		}
	}
}

func (b *Bus) deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked", "event", evt.Name, "panic", r)
		}
	}()
	h(context.Background(), evt)
}

// LogSubscriber writes every event to the structured logger. It stands in
// for downstream notification and analytics consumers.
func LogSubscriber(logger *slog.Logger) Handler {
	return func(_ context.Context, evt Event) {
		logger.Info("domain event", "event", evt.Name, "owner_id", evt.OwnerID, "payload", evt.Payload)
	}
}
