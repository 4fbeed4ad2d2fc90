package events

import (
	"context"
	"strings"
	"testing"
)

func TestAppendAssignsPrefixedEventID(t *testing.T) {
	store := NewInMemoryFinancialStore()
	ctx := context.Background()

	err := store.Append(ctx, FinancialEvent{
		AggregateID:   "owner_1",
		AggregateType: AggregateWallet,
		EventType:     EventWalletCredited,
		OwnerID:       "owner_1",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, total, err := store.Events(ctx, FinancialQuery{AggregateID: "owner_1"})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one event, got %d", total)
	}
	if !strings.HasPrefix(events[0].ID, "evt_") {
		t.Fatalf("expected evt_ prefixed id, got %s", events[0].ID)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatalf("expected CreatedAt to be stamped")
	}
}
