package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stayflow/stayflow/internal/logging"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(logging.Discard(), 16)

	var mu sync.Mutex
	var got []string
	bus.Subscribe(WalletCredited, func(_ context.Context, evt Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.OwnerID)
	})

	var all int
	bus.SubscribeAll(func(_ context.Context, _ Event) {
		mu.Lock()
		defer mu.Unlock()
		all++
	})

	bus.Publish(Event{Name: WalletCredited, OwnerID: "owner_1"})
	bus.Publish(Event{Name: WalletDebited, OwnerID: "owner_1"})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "owner_1" {
		t.Fatalf("expected one credited event, got %v", got)
	}
	if all != 2 {
		t.Fatalf("expected catch-all to see 2 events, got %d", all)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	bus := NewBus(logging.Discard(), 1)

	release := make(chan struct{})
	bus.SubscribeAll(func(_ context.Context, _ Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(Event{Name: WalletCredited})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
	close(release)
	bus.Close()
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus(logging.Discard(), 4)
	bus.Close()
	bus.Publish(Event{Name: WalletCredited})
}

func TestSubscriberPanicDoesNotKillDispatch(t *testing.T) {
	bus := NewBus(logging.Discard(), 4)

	var mu sync.Mutex
	delivered := 0
	bus.Subscribe(WalletDebited, func(_ context.Context, _ Event) {
		panic("boom")
	})
	bus.Subscribe(WalletDebited, func(_ context.Context, _ Event) {
		mu.Lock()
		defer mu.Unlock()
		delivered++
	})

	bus.Publish(Event{Name: WalletDebited})
	bus.Publish(Event{Name: WalletDebited})
	bus.Close()

	mu.Lock()
	defer mu.Unlock()
	if delivered != 2 {
		t.Fatalf("expected both events delivered past the panicking subscriber, got %d", delivered)
	}
}
