package bus

import (
	"context"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/registry"
)

// Callback receives events delivered by a bound subscription. It must not
// block for long: a slow callback only throttles its own stream, never the
// bus (spec.md §4.5, §7 ConsumerError).
type Callback func(marketdata.Event)

// handle is one registered callback's cancellation state.
type handle struct {
	cancel context.CancelFunc
}

// Binder implements the Convenience Binder (spec.md §4.5): it couples a
// single key's subscription lifetime to a callback, and cleans both up
// together. Its handle table is guarded by the same write lock as the
// registry (spec.md §4.5, §5), not a private mutex: RegisterCallback and
// UnregisterCallbacks mutate handles and the registry's holdings inside one
// registry.WithLock critical section each, via the Reconciler's *Locked
// helpers, so a callback's handle can never go missing between the two.
type Binder struct {
	reconciler *Reconciler
	projector  *Projector
	log        *logging.Logger

	handles map[string][]*handle
}

// NewBinder constructs a Binder over the given Reconciler and Projector.
func NewBinder(reconciler *Reconciler, projector *Projector, log *logging.Logger) *Binder {
	if log == nil {
		log = logging.L()
	}
	return &Binder{
		reconciler: reconciler,
		projector:  projector,
		log:        log.With(logging.String("component", "binder")),
		handles:    make(map[string][]*handle),
	}
}

// RegisterCallback adds key to subscriber's holdings and routes key's events
// to callback until unregistered: events of key's kind for other
// instruments the subscriber holds are not passed to callback. The hold
// and the handle-table append happen inside the same registry critical
// section, so a concurrent UnregisterCallbacks can never observe the hold
// without the handle that must cancel it, or vice versa.
func (b *Binder) RegisterCallback(ctx context.Context, key marketdata.Key, subscriber string, callback Callback) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	if callback == nil {
		return marketdata.ErrInvalidArgument
	}

	streamCtx, cancel := context.WithCancel(ctx)

	var notifyErr error
	b.reconciler.registry.WithLock(func(l *registry.Locked) {
		notifyErr = b.reconciler.addSubscriptionLocked(ctx, l, subscriber, key)
		if notifyErr == nil {
			b.handles[subscriber] = append(b.handles[subscriber], &handle{cancel: cancel})
		}
	})
	if notifyErr != nil {
		cancel()
		return notifyErr
	}

	events, err := b.projector.GetStream(streamCtx, subscriber, key.Kind)
	if err != nil {
		cancel()
		return err
	}

	go b.deliver(subscriber, key, events, callback)
	return nil
}

func (b *Binder) deliver(subscriber string, key marketdata.Key, events <-chan marketdata.Event, callback Callback) {
	for event := range events {
		if event.Instrument != key.Instrument {
			continue
		}
		b.invoke(subscriber, callback, event)
	}
}

// invoke isolates a panicking or erroring callback so it cannot affect other
// subscribers (spec.md §7 ConsumerError).
func (b *Binder) invoke(subscriber string, callback Callback, event marketdata.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("registered callback panicked, isolating",
				logging.Subscriber(subscriber), logging.Key(event.Instrument))
		}
	}()
	callback(event)
}

// UnregisterCallbacks cancels every handle registered for subscriber and
// clears its subscriptions entirely. The handle-table clear and the
// registry release happen inside the same critical section RegisterCallback
// uses, so a hold that's mid-registration is either fully visible here
// (and gets torn down) or not yet applied at all — never half-applied.
func (b *Binder) UnregisterCallbacks(ctx context.Context, subscriber string) error {
	var handles []*handle
	var notifyErr error
	b.reconciler.registry.WithLock(func(l *registry.Locked) {
		handles = b.handles[subscriber]
		delete(b.handles, subscriber)
		notifyErr = b.reconciler.changeSubscriptionsLocked(ctx, l, subscriber, nil)
	})

	for _, h := range handles {
		h.cancel()
	}
	return notifyErr
}
