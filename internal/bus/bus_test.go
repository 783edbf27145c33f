package bus

import (
	"context"
	"testing"
	"time"

	"orko/marketbus/internal/marketdata"
)

func TestBusEndToEndSubscribeStreamUnsubscribe(t *testing.T) {
	manager := newFakeManager()
	b := New(manager, 4, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	if err := b.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}

	tickers, err := b.GetTickers(ctx, "A")
	if err != nil {
		t.Fatalf("get tickers: %v", err)
	}
	manager.push(k1, marketdata.Event{Instrument: k1.Instrument, Kind: k1.Kind, Payload: marketdata.Ticker{Last: 99}})

	select {
	case event := <-tickers:
		ticker := event.Payload.(marketdata.Ticker)
		if ticker.Last != 99 {
			t.Fatalf("unexpected ticker payload: %#v", ticker)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ticker event")
	}

	if err := b.ClearSubscriptions(ctx, "A"); err != nil {
		t.Fatalf("clear subscriptions: %v", err)
	}
	if len(b.Registry.Holdings("A")) != 0 {
		t.Fatal("expected clear_subscriptions to leave no holdings")
	}
	stats := b.Stats()
	if stats.DistinctKeys != 0 {
		t.Fatalf("expected distinct keys to be zero after clearing the only subscriber, got %d", stats.DistinctKeys)
	}
}

func TestBusStatsTracksNotifications(t *testing.T) {
	manager := newFakeManager()
	b := New(manager, 1, nil)
	ctx := context.Background()

	k1 := marketdata.NewKey(testInstrument(t, "BTC"), marketdata.TickerKind)
	if err := b.ChangeSubscriptions(ctx, "A", marketdata.NewKeySet(k1)); err != nil {
		t.Fatalf("change subscriptions: %v", err)
	}
	if stats := b.Stats(); stats.UpstreamNotifications != 1 {
		t.Fatalf("expected one upstream notification, got %d", stats.UpstreamNotifications)
	}
}
