package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/registry"
	"orko/marketbus/internal/upstream"
)

// Projector synthesizes per-subscriber merged event streams (spec.md §4.4).
// GetStream snapshots the subscriber's current holdings of a kind and
// multiplexes the upstream per-key streams for that snapshot; it never
// reacts to later subscription changes (spec.md §9 "Stream freshness vs.
// subscription changes").
type Projector struct {
	registry *registry.Registry
	manager  upstream.Manager
	log      *logging.Logger

	// bufferSize bounds the merged output channel. Inputs themselves rely on
	// upstream.Manager implementations (or the latest-wins wrapper below) to
	// apply backpressure; this only bounds how many already-distinct events
	// can be in flight to the consumer at once.
	bufferSize int

	drops int64
}

// NewProjector constructs a Projector reading from reg and pulling events
// from manager.
func NewProjector(reg *registry.Registry, manager upstream.Manager, bufferSize int, log *logging.Logger) *Projector {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if log == nil {
		log = logging.L()
	}
	return &Projector{
		registry:   reg,
		manager:    manager,
		bufferSize: bufferSize,
		log:        log.With(logging.String("component", "projector")),
	}
}

// DropCount reports events dropped under latest-wins backpressure across
// every stream this projector has produced, for the /metrics surface.
func (p *Projector) DropCount() int64 { return atomic.LoadInt64(&p.drops) }

// GetStream returns the merged stream of events of kind for subscriber,
// snapshotting holdings at call time. Forwarding from the upstream streams
// starts when GetStream returns, not on the consumer's first receive, so
// events can already sit in the output buffer before anyone reads. The
// returned channel closes when every constituent upstream stream ends or
// ctx is cancelled.
func (p *Projector) GetStream(ctx context.Context, subscriber string, kind marketdata.DataKind) (<-chan marketdata.Event, error) {
	if err := validateSubscriber(subscriber); err != nil {
		return nil, err
	}
	keys := p.registry.HoldingsOfKind(subscriber, kind).Slice()

	out := make(chan marketdata.Event, p.bufferSize)
	if len(keys) == 0 {
		close(out)
		return out, nil
	}

	var wg sync.WaitGroup
	for _, key := range keys {
		upstreamEvents, err := p.manager.Stream(ctx, key)
		if err != nil {
			p.log.Warn("failed to open upstream stream for held key",
				logging.Subscriber(subscriber), logging.Key(key), logging.Error(err))
			continue
		}
		wg.Add(1)
		go p.pump(ctx, upstreamEvents, out, &wg)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

// pump copies events from src into dst. Latest-wins backpressure is applied
// per upstream on a private single-event slot, then forwarded with a
// blocking send into the shared merged channel: an eviction only ever
// discards a stale value produced by this same key, never another key's
// pending event sitting in dst (spec.md §4.4/§9 "Dropping is per upstream").
func (p *Projector) pump(ctx context.Context, src <-chan marketdata.Event, dst chan<- marketdata.Event, wg *sync.WaitGroup) {
	defer wg.Done()

	slot := make(chan marketdata.Event, 1)
	var forwarding sync.WaitGroup
	forwarding.Add(1)
	go func() {
		defer forwarding.Done()
		p.forward(ctx, slot, dst)
	}()
	defer forwarding.Wait()

	for {
		select {
		case <-ctx.Done():
			close(slot)
			return
		case event, ok := <-src:
			if !ok {
				close(slot)
				return
			}
			p.sendLatestWins(slot, event)
		}
	}
}

// forward drains slot into the shared merged channel, blocking until room
// is available so a slow consumer's backlog is absorbed per key rather than
// by evicting whatever another key most recently placed in dst. While it
// waits, a newer event arriving in slot replaces the one it holds.
func (p *Projector) forward(ctx context.Context, slot <-chan marketdata.Event, dst chan<- marketdata.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-slot:
			if !ok {
				return
			}
		send:
			select {
			case dst <- event:
			case newer, ok := <-slot:
				if ok {
					event = newer
					atomic.AddInt64(&p.drops, 1)
					goto send
				}
				select {
				case dst <- event:
				case <-ctx.Done():
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// sendLatestWins stores event into slot, discarding whatever this key's
// slot currently holds (if the forwarder hasn't drained it yet) so the
// newest event for this key always wins.
func (p *Projector) sendLatestWins(slot chan marketdata.Event, event marketdata.Event) {
	select {
	case slot <- event:
		return
	default:
	}
	select {
	case <-slot:
		atomic.AddInt64(&p.drops, 1)
	default:
	}
	select {
	case slot <- event:
	default:
		atomic.AddInt64(&p.drops, 1)
	}
}
