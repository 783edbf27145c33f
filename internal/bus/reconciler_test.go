package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/registry"
)

// fakeManager records update_subscriptions calls and lets tests push
// events onto per-key channels. Each Stream call returns a fresh channel so
// multiple concurrent listeners for the same key are fanned out
// independently, matching ExchangeConnector's real fan-out behavior.
type fakeManager struct {
	mu       sync.Mutex
	calls    []marketdata.KeySet
	failNext bool
	streams  map[marketdata.Key][]chan marketdata.Event
}

func newFakeManager() *fakeManager {
	return &fakeManager{streams: make(map[marketdata.Key][]chan marketdata.Event)}
}

func (f *fakeManager) UpdateSubscriptions(ctx context.Context, keys marketdata.KeySet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make(marketdata.KeySet, len(keys))
	for k := range keys {
		snapshot[k] = struct{}{}
	}
	f.calls = append(f.calls, snapshot)
	if f.failNext {
		f.failNext = false
		return fmt.Errorf("simulated upstream failure")
	}
	return nil
}

func (f *fakeManager) Stream(ctx context.Context, key marketdata.Key) (<-chan marketdata.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan marketdata.Event, 4)
	f.streams[key] = append(f.streams[key], ch)
	return ch, nil
}

func (f *fakeManager) push(key marketdata.Key, event marketdata.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.streams[key] {
		ch <- event
	}
}

func (f *fakeManager) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testInstrument(t *testing.T, base string) marketdata.Instrument {
	t.Helper()
	instrument, err := marketdata.NewInstrument("coinbase", base, "USD")
	if err != nil {
		t.Fatalf("new instrument: %v", err)
	}
	return instrument
}

func TestChangeSubscriptionsSingleSubscriberSingleKey(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	if err := reconciler.ChangeSubscriptions(context.Background(), "A", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}

	if got := reg.AllKeys(); len(got) != 1 || !got.Contains(k1) {
		t.Fatalf("expected all_keys to contain k1, got %#v", got)
	}
	if manager.callCount() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", manager.callCount())
	}
}

func TestChangeSubscriptionsTwoSubscribersSharingKey(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change A: %v", err)
	}
	if err := reconciler.ChangeSubscriptions(ctx, "B", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change B: %v", err)
	}

	if manager.callCount() != 1 {
		t.Fatalf("expected exactly one upstream call after B joins an already-held key, got %d", manager.callCount())
	}
	if reg.Refcount(k1) != 2 {
		t.Fatalf("expected refcount 2, got %d", reg.Refcount(k1))
	}
}

func TestLastHolderDeparture(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	_ = reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1))
	_ = reconciler.ChangeSubscriptions(ctx, "B", marketdata.NewKeySet(k1))
	callsAfterJoin := manager.callCount()

	if err := reconciler.ClearSubscriptions(ctx, "A"); err != nil {
		t.Fatalf("clear A: %v", err)
	}
	if manager.callCount() != callsAfterJoin {
		t.Fatalf("expected no upstream call while B still holds the key")
	}
	if reg.Refcount(k1) != 1 {
		t.Fatalf("expected refcount 1 after A departs, got %d", reg.Refcount(k1))
	}

	if err := reconciler.ClearSubscriptions(ctx, "B"); err != nil {
		t.Fatalf("clear B: %v", err)
	}
	if manager.callCount() != callsAfterJoin+1 {
		t.Fatalf("expected exactly one more upstream call after last holder departs")
	}
	if len(reg.AllKeys()) != 0 {
		t.Fatalf("expected empty union after last holder departs, got %#v", reg.AllKeys())
	}
}

func TestDisjointSwap(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	k2 := marketdata.NewKey(testInstrument(t, "ETH"), marketdata.TickerKind)
	k3 := marketdata.NewKey(testInstrument(t, "SOL"), marketdata.TickerKind)

	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1, k2)); err != nil {
		t.Fatalf("first change: %v", err)
	}
	if err := reconciler.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k2, k3)); err != nil {
		t.Fatalf("second change: %v", err)
	}

	if manager.callCount() != 2 {
		t.Fatalf("expected exactly two upstream calls total, got %d", manager.callCount())
	}
	got := reg.AllKeys()
	if len(got) != 2 || !got.Contains(k2) || !got.Contains(k3) || got.Contains(k1) {
		t.Fatalf("expected union {k2,k3}, got %#v", got)
	}
}

func TestIdempotentChangeSubscriptionsIssuesNoSecondNotification(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	target := marketdata.NewKeySet(k1)

	if err := reconciler.ChangeSubscriptions(ctx, "A", target); err != nil {
		t.Fatalf("first call: %v", err)
	}
	callsAfterFirst := manager.callCount()
	if err := reconciler.ChangeSubscriptions(ctx, "A", target); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if manager.callCount() != callsAfterFirst {
		t.Fatalf("expected idempotent change to issue no new upstream call")
	}
}

func TestUpstreamNotifyFailureSurfacedWithoutRollback(t *testing.T) {
	manager := newFakeManager()
	manager.failNext = true
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	err := reconciler.ChangeSubscriptions(context.Background(), "A", marketdata.NewKeySet(k1))
	if err == nil {
		t.Fatal("expected upstream failure to be surfaced")
	}
	if !reg.Holdings("A").Contains(k1) {
		t.Fatal("expected registry mutation to persist despite upstream failure")
	}
}

func TestChangeSubscriptionsRejectsEmptySubscriber(t *testing.T) {
	reconciler := NewReconciler(registry.New(nil), newFakeManager(), nil)
	err := reconciler.ChangeSubscriptions(context.Background(), "", nil)
	if err == nil {
		t.Fatal("expected programmer error for empty subscriber id")
	}
}

func TestConcurrentChurnPreservesInvariants(t *testing.T) {
	manager := newFakeManager()
	reg := registry.New(nil)
	reconciler := NewReconciler(reg, manager, nil)
	ctx := context.Background()

	keys := make([]marketdata.Key, 4)
	for i := range keys {
		keys[i] = marketdata.NewKey(testInstrument(t, fmt.Sprintf("COIN%d", i)), marketdata.TickerKind)
	}
	subscribers := []string{"s0", "s1", "s2", "s3"}

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				subscriber := subscribers[(seed+i)%len(subscribers)]
				var target marketdata.KeySet
				if (seed+i)%2 == 0 {
					target = marketdata.NewKeySet(keys[0], keys[1])
				} else {
					target = marketdata.NewKeySet(keys[2], keys[3])
				}
				_ = reconciler.ChangeSubscriptions(ctx, subscriber, target)
			}
		}(g)
	}
	wg.Wait()

	union := reg.AllKeys()
	for _, key := range keys {
		refcount := reg.Refcount(key)
		if refcount < 0 {
			t.Fatalf("refcount went negative for %s", key)
		}
		if (refcount > 0) != union.Contains(key) {
			t.Fatalf("refcount/union mismatch for %s: refcount=%d in union=%v", key, refcount, union.Contains(key))
		}
	}
}
