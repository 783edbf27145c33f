// Package bus assembles the Demand Registry, Reconciler, Stream Projector
// and Convenience Binder (spec.md §4.3-§4.5) into the Event-Bus surface
// subscribers call.
package bus

import (
	"context"
	"sync/atomic"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/registry"
	"orko/marketbus/internal/upstream"
)

// Reconciler turns subscription-intent calls into registry transitions and,
// when the global key union changes, notifies the upstream Subscription
// Manager before releasing the registry's write lock (spec.md §4.3 step 5).
type Reconciler struct {
	registry *registry.Registry
	manager  upstream.Manager
	log      *logging.Logger

	notifications  uint64
	notifyFailures uint64
}

// NewReconciler constructs a Reconciler over reg, notifying manager whenever
// the union of held keys changes.
func NewReconciler(reg *registry.Registry, manager upstream.Manager, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.L()
	}
	return &Reconciler{
		registry: reg,
		manager:  manager,
		log:      log.With(logging.String("component", "reconciler")),
	}
}

// ChangeSubscriptions replaces subscriber's holdings with target. The
// upstream notification, if any is required, happens synchronously inside
// the registry's write lock (spec.md §9 "Upstream notification inside the
// critical section"); a failure there is surfaced to the caller without
// rolling back the already-applied registry mutation (spec.md §7
// UpstreamNotifyFailure).
func (r *Reconciler) ChangeSubscriptions(ctx context.Context, subscriber string, target marketdata.KeySet) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}

	var notifyErr error
	r.registry.WithLock(func(l *registry.Locked) {
		notifyErr = r.changeSubscriptionsLocked(ctx, l, subscriber, target)
	})
	return notifyErr
}

// changeSubscriptionsLocked is ChangeSubscriptions' body, factored out so
// other C2-lock holders in this package (the Convenience Binder) can fold
// it into a larger critical section instead of re-acquiring the registry's
// lock, which would deadlock since registry.Registry's lock is not
// reentrant.
func (r *Reconciler) changeSubscriptionsLocked(ctx context.Context, l *registry.Locked, subscriber string, target marketdata.KeySet) error {
	current := l.Holdings(subscriber)
	toRemove := current.Difference(target)
	toAdd := target.Difference(current)

	transitioned := false
	for _, key := range toRemove.Slice() {
		if t := l.Release(subscriber, key); t == registry.FirstGlobalHolder || t == registry.LastGlobalHolder {
			transitioned = true
		}
	}
	for _, key := range toAdd.Slice() {
		if t := l.Hold(subscriber, key); t == registry.FirstGlobalHolder || t == registry.LastGlobalHolder {
			transitioned = true
		}
	}
	if transitioned {
		return r.notifyLocked(ctx, l.AllKeys())
	}
	return nil
}

// ClearSubscriptions is equivalent to ChangeSubscriptions(subscriber, ∅).
func (r *Reconciler) ClearSubscriptions(ctx context.Context, subscriber string) error {
	return r.ChangeSubscriptions(ctx, subscriber, nil)
}

// AddSubscription holds a single key for subscriber.
func (r *Reconciler) AddSubscription(ctx context.Context, subscriber string, key marketdata.Key) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	var notifyErr error
	r.registry.WithLock(func(l *registry.Locked) {
		notifyErr = r.addSubscriptionLocked(ctx, l, subscriber, key)
	})
	return notifyErr
}

// addSubscriptionLocked is AddSubscription's body, factored out for the same
// reason as changeSubscriptionsLocked: it lets the Convenience Binder fold
// its own handle-table mutation into this same critical section.
func (r *Reconciler) addSubscriptionLocked(ctx context.Context, l *registry.Locked, subscriber string, key marketdata.Key) error {
	if t := l.Hold(subscriber, key); t == registry.FirstGlobalHolder {
		return r.notifyLocked(ctx, l.AllKeys())
	}
	return nil
}

// RemoveSubscription releases a single key for subscriber.
func (r *Reconciler) RemoveSubscription(ctx context.Context, subscriber string, key marketdata.Key) error {
	if err := validateSubscriber(subscriber); err != nil {
		return err
	}
	var notifyErr error
	r.registry.WithLock(func(l *registry.Locked) {
		if t := l.Release(subscriber, key); t == registry.LastGlobalHolder {
			notifyErr = r.notifyLocked(ctx, l.AllKeys())
		}
	})
	return notifyErr
}

// notifyLocked calls into the upstream manager. Callers must hold the
// registry write lock; the manager contract (spec.md §6) requires this call
// to return promptly and never call back into the bus synchronously.
func (r *Reconciler) notifyLocked(ctx context.Context, keys marketdata.KeySet) error {
	atomic.AddUint64(&r.notifications, 1)
	if r.manager == nil {
		return nil
	}
	if err := r.manager.UpdateSubscriptions(ctx, keys); err != nil {
		atomic.AddUint64(&r.notifyFailures, 1)
		r.log.Error("upstream subscription update failed", logging.Error(err))
		return err
	}
	return nil
}

// NotificationCount reports how many update_subscriptions calls have been
// issued, for the /metrics surface.
func (r *Reconciler) NotificationCount() int64 { return int64(atomic.LoadUint64(&r.notifications)) }

// NotifyFailureCount reports how many update_subscriptions calls returned an error.
func (r *Reconciler) NotifyFailureCount() int64 {
	return int64(atomic.LoadUint64(&r.notifyFailures))
}

func validateSubscriber(subscriber string) error {
	if subscriber == "" {
		return marketdata.ErrInvalidArgument
	}
	return nil
}
