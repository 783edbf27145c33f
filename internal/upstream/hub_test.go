package upstream

import (
	"context"
	"testing"
	"time"

	"orko/marketbus/internal/marketdata"
)

func testKey(t *testing.T) marketdata.Key {
	t.Helper()
	instrument, err := marketdata.NewInstrument("coinbase", "BTC", "USD")
	if err != nil {
		t.Fatalf("new instrument: %v", err)
	}
	return marketdata.NewKey(instrument, marketdata.TickerKind)
}

func TestKeyHubFanOutToMultipleListeners(t *testing.T) {
	key := testKey(t)
	hub := newKeyHub(key)
	defer hub.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := hub.listen(ctx)
	b := hub.listen(ctx)

	hub.publish(marketdata.Event{Instrument: key.Instrument, Kind: key.Kind, Payload: marketdata.Ticker{Last: 100}})

	for _, ch := range []<-chan marketdata.Event{a, b} {
		select {
		case event := <-ch:
			ticker, ok := event.Payload.(marketdata.Ticker)
			if !ok || ticker.Last != 100 {
				t.Fatalf("unexpected payload: %#v", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fanned-out event")
		}
	}
}

func TestKeyHubLatestWinsUnderBackpressure(t *testing.T) {
	key := testKey(t)
	hub := newKeyHub(key)
	defer hub.stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.listen(ctx)

	hub.publish(marketdata.Event{Instrument: key.Instrument, Kind: key.Kind, Payload: marketdata.Ticker{Last: 1}})
	hub.publish(marketdata.Event{Instrument: key.Instrument, Kind: key.Kind, Payload: marketdata.Ticker{Last: 2}})
	hub.publish(marketdata.Event{Instrument: key.Instrument, Kind: key.Kind, Payload: marketdata.Ticker{Last: 3}})

	select {
	case event := <-ch:
		ticker := event.Payload.(marketdata.Ticker)
		if ticker.Last != 3 {
			t.Fatalf("expected latest value 3, got %v", ticker.Last)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected only one buffered event to survive backpressure")
		}
	default:
	}
}

func TestKeyHubListenerClosesOnContextCancel(t *testing.T) {
	key := testKey(t)
	hub := newKeyHub(key)
	defer hub.stop()

	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.listen(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after context cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for listener channel to close")
	}
}

func TestKeyHubListenerClosesOnStop(t *testing.T) {
	key := testKey(t)
	hub := newKeyHub(key)

	ch := hub.listen(context.Background())
	hub.stop()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to close after hub stop")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for listener channel to close")
	}
}
