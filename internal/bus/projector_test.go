package bus

import (
	"context"
	"testing"
	"time"

	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/registry"
)

func TestGetStreamEmptyWhenNoHoldingsOfKind(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	projector := NewProjector(reg, manager, 1, nil)

	events, err := projector.GetStream(context.Background(), "A", marketdata.TickerKind)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected immediately closed stream for subscriber with no holdings")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for empty stream to close")
	}
}

func TestGetStreamMergesHeldKeys(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	projector := NewProjector(reg, manager, 4, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	k2 := marketdata.NewKey(testInstrument(t, "ETH"), marketdata.TickerKind)
	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1, k2)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}

	events, err := projector.GetStream(ctx, "A", marketdata.TickerKind)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}

	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 1}})
	manager.push(k2, marketdata.Event{Instrument: k2.Instrument, Kind: k2.Kind, Payload: marketdata.Ticker{Last: 2}})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case event := <-events:
			seen[event.Instrument.String()] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged event")
		}
	}
	if !seen[k1.Instrument.String()] || !seen[k2.Instrument.String()] {
		t.Fatalf("expected events from both instruments, got %#v", seen)
	}
}

func TestGetStreamIsSnapshotAtCallTime(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	projector := NewProjector(reg, manager, 4, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	k3 := marketdata.NewKey(testInstrument(t, "SOL"), marketdata.TickerKind)
	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}

	events, err := projector.GetStream(ctx, "A", marketdata.TickerKind)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}

	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k3)); err != nil {
		t.Fatalf("change subscriptions to k3: %v", err)
	}

	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 42}})

	select {
	case event := <-events:
		if event.Instrument.String() != k1.Instrument.String() {
			t.Fatalf("expected event from the originally-held key, got %s", event.Instrument)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event from pre-existing snapshot")
	}
}

func TestGetStreamLatestWinsUnderBackpressure(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	projector := NewProjector(reg, manager, 1, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}
	events, err := projector.GetStream(ctx, "A", marketdata.TickerKind)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}

	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 1}})
	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 2}})
	time.Sleep(50 * time.Millisecond)

	select {
	case event := <-events:
		ticker := event.Payload.(marketdata.Ticker)
		if ticker.Last != 2 {
			t.Fatalf("expected the latest value to win, got %v", ticker.Last)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for surviving event")
	}
	if projector.DropCount() == 0 {
		t.Fatal("expected at least one drop to be recorded")
	}
}

func TestGetStreamBackpressureIsPerKeyNotShared(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	projector := NewProjector(reg, manager, 1, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	k2 := marketdata.NewKey(testInstrument(t, "ETH"), marketdata.TickerKind)
	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1, k2)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}
	events, err := projector.GetStream(ctx, "A", marketdata.TickerKind)
	if err != nil {
		t.Fatalf("get stream: %v", err)
	}

	// Fill the merged channel with k2's event and let it settle so it is
	// sitting in the shared buffer rather than still in k2's own slot.
	manager.push(k2, marketdata.Event{Instrument: k2.Instrument, Kind: k2.Kind, Payload: marketdata.Ticker{Last: 100}})
	time.Sleep(50 * time.Millisecond)

	// A burst on k1, while the merged channel is still full of k2's event,
	// must never evict it: eviction is scoped to k1's own slot only.
	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 1}})
	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 2}})
	time.Sleep(50 * time.Millisecond)

	select {
	case event := <-events:
		if event.Instrument.String() != k2.Instrument.String() {
			t.Fatalf("expected k2's event to survive the k1 burst, got %s", event.Instrument)
		}
		if ticker := event.Payload.(marketdata.Ticker); ticker.Last != 100 {
			t.Fatalf("expected k2's original value to survive unevicted, got %v", ticker.Last)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for k2's event")
	}

	select {
	case event := <-events:
		if event.Instrument.String() != k1.Instrument.String() {
			t.Fatalf("expected k1's event next, got %s", event.Instrument)
		}
		if ticker := event.Payload.(marketdata.Ticker); ticker.Last != 2 {
			t.Fatalf("expected the latest k1 value to win within its own key, got %v", ticker.Last)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for k1's surviving event")
	}

	if projector.DropCount() == 0 {
		t.Fatal("expected the k1 burst to record a same-key drop")
	}
}

func TestGetStreamRejectsEmptySubscriber(t *testing.T) {
	projector := NewProjector(registry.New(nil), newFakeManager(), 1, nil)
	if _, err := projector.GetStream(context.Background(), "", marketdata.TickerKind); err == nil {
		t.Fatal("expected programmer error for empty subscriber id")
	}
}
