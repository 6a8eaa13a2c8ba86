package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// collector records delivered events in arrival order.
type collector struct {
	mu  sync.Mutex
	got []Event
}

func (c *collector) handle(_ context.Context, ev Event) {
	c.mu.Lock()
	c.got = append(c.got, ev)
	c.mu.Unlock()
}

func (c *collector) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.got))
	copy(out, c.got)
	return out
}

func (c *collector) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.events(); len(evs) >= n {
			return evs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, have %d", n, len(c.events()))
	return nil
}

func TestAsyncDeliveryPreservesOrder(t *testing.T) {
	b := New(DefaultConfig(), nil)
	defer b.Shutdown(context.Background())

	var c collector
	b.Subscribe("order", DeliverAsync, []Type{ActionGenerated}, c.handle)

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(NewEvent(ActionGenerated, "test", map[string]any{"i": i}))
	}

	evs := c.waitFor(t, n)
	for i, ev := range evs[:n] {
		if got := ev.Payload["i"].(int); got != i {
			t.Fatalf("event %d delivered out of order: payload i = %d", i, got)
		}
	}
}

func TestTypeFiltering(t *testing.T) {
	b := New(DefaultConfig(), nil)
	defer b.Shutdown(context.Background())

	var c collector
	b.Subscribe("filtered", DeliverSync, []Type{ActionApproved}, c.handle)

	b.Publish(NewEvent(ActionGenerated, "test", nil))
	b.Publish(NewEvent(ActionApproved, "test", nil))
	b.Publish(NewEvent(ServiceError, "test", nil))

	evs := c.events()
	if len(evs) != 1 || evs[0].Type != ActionApproved {
		t.Fatalf("filtered subscriber got %v, want one action.approved", evs)
	}
}

func TestEmptyTypeListSubscribesToEverything(t *testing.T) {
	b := New(DefaultConfig(), nil)
	defer b.Shutdown(context.Background())

	var c collector
	b.Subscribe("firehose", DeliverSync, nil, c.handle)

	b.Publish(NewEvent(ActionGenerated, "test", nil))
	b.Publish(NewEvent(SystemShutdown, "test", nil))

	if got := len(c.events()); got != 2 {
		t.Fatalf("firehose got %d events, want 2", got)
	}
}

func TestOverflowDropsOldestAndNotices(t *testing.T) {
	b := New(Config{HistorySize: 100, SubscriberQueue: 4}, nil)

	release := make(chan struct{})
	var c collector
	b.Subscribe("slow", DeliverAsync, []Type{ActionGenerated}, func(ctx context.Context, ev Event) {
		<-release
		c.handle(ctx, ev)
	})

	var notices collector
	b.Subscribe("watcher", DeliverSync, []Type{BusOverflow}, notices.handle)

	// One event is in the handler, four fill the queue, the rest overflow.
	for i := 0; i < 10; i++ {
		b.Publish(NewEvent(ActionGenerated, "test", map[string]any{"i": i}))
		time.Sleep(2 * time.Millisecond)
	}

	if b.Stats().Dropped == 0 {
		t.Error("expected dropped events after overflow")
	}
	if len(notices.events()) != 1 {
		t.Errorf("overflow notices = %d, want exactly 1 within the dedup window", len(notices.events()))
	}

	close(release)
	b.Shutdown(context.Background())

	// The oldest events were dropped; the survivors still arrive in order.
	evs := c.events()
	for i := 1; i < len(evs); i++ {
		if evs[i].Payload["i"].(int) <= evs[i-1].Payload["i"].(int) {
			t.Fatalf("survivors out of order: %v then %v", evs[i-1].Payload, evs[i].Payload)
		}
	}
}

func TestSyncPanicIsIsolated(t *testing.T) {
	b := New(DefaultConfig(), nil)
	defer b.Shutdown(context.Background())

	var c collector
	b.Subscribe("bad", DeliverSync, []Type{ActionGenerated}, func(context.Context, Event) {
		panic("boom")
	})
	b.Subscribe("good", DeliverSync, []Type{ActionGenerated}, c.handle)

	b.Publish(NewEvent(ActionGenerated, "test", nil))

	if len(c.events()) != 1 {
		t.Error("panicking subscriber prevented delivery to others")
	}
}

func TestHistorySinceAndLimit(t *testing.T) {
	b := New(Config{HistorySize: 5, SubscriberQueue: 16}, nil)
	defer b.Shutdown(context.Background())

	for i := 0; i < 8; i++ {
		b.Publish(NewEvent(ActionGenerated, fmt.Sprintf("src-%d", i), nil))
	}

	all := b.History(0, 0)
	if len(all) != 5 {
		t.Fatalf("history holds %d events, want ring size 5", len(all))
	}
	if all[0].Seq != 4 {
		t.Errorf("oldest retained seq = %d, want 4", all[0].Seq)
	}

	tail := b.History(all[2].Seq, 0)
	if len(tail) != 2 {
		t.Errorf("History(since) returned %d, want 2", len(tail))
	}
	limited := b.History(0, 3)
	if len(limited) != 3 {
		t.Errorf("History(limit=3) returned %d", len(limited))
	}
}

func TestShutdownDrainsQueuedEvents(t *testing.T) {
	b := New(DefaultConfig(), nil)

	var c collector
	b.Subscribe("drain", DeliverAsync, []Type{ActionGenerated}, func(ctx context.Context, ev Event) {
		time.Sleep(time.Millisecond)
		c.handle(ctx, ev)
	})

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish(NewEvent(ActionGenerated, "test", nil))
	}

	stats := b.Shutdown(context.Background())
	if got := len(c.events()); got != n {
		t.Errorf("delivered %d of %d queued events before shutdown returned", got, n)
	}
	if stats.Cancelled != 0 {
		t.Errorf("stats.Cancelled = %d, want 0 on full drain", stats.Cancelled)
	}
}

func TestPublishAfterShutdownIsNoOp(t *testing.T) {
	b := New(DefaultConfig(), nil)
	b.Shutdown(context.Background())

	before := b.Stats().Published
	b.Publish(NewEvent(ActionGenerated, "test", nil))
	if b.Stats().Published != before {
		t.Error("publish after shutdown was recorded")
	}
}
