package upstream

import (
	"context"
	"sync"

	"orko/marketbus/internal/marketdata"
)

// keyHub fans out one key's decoded events to every active Stream listener.
// Publication is non-blocking: a listener that falls behind has its oldest
// buffered event dropped, since the bus's Stream Projector is responsible
// for latest-wins semantics and the manager only needs to avoid blocking on
// a slow consumer.
type keyHub struct {
	key  marketdata.Key
	done chan struct{}

	mu        sync.Mutex
	listeners map[chan marketdata.Event]struct{}
	closeOnce sync.Once
}

func newKeyHub(key marketdata.Key) *keyHub {
	return &keyHub{
		key:       key,
		done:      make(chan struct{}),
		listeners: make(map[chan marketdata.Event]struct{}),
	}
}

func (h *keyHub) listen(ctx context.Context) <-chan marketdata.Event {
	ch := make(chan marketdata.Event, 1)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.done:
		}
		h.mu.Lock()
		if _, ok := h.listeners[ch]; ok {
			delete(h.listeners, ch)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch
}

func (h *keyHub) publish(event marketdata.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.listeners {
		select {
		case ch <- event:
		default:
			// Drop the stale event and retry once so the newest value wins,
			// matching the latest-wins contract the bus relies on.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (h *keyHub) stop() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}
