package bus

import (
	"context"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/registry"
	"orko/marketbus/internal/upstream"
)

// Bus is the Event-Bus surface exposed to subscribers (spec.md §6),
// assembling the Demand Registry, Reconciler, Stream Projector and
// Convenience Binder into a single entry point.
type Bus struct {
	Registry   *registry.Registry
	Reconciler *Reconciler
	Projector  *Projector
	Binder     *Binder
}

// New wires a Bus around manager, the upstream Subscription Manager
// implementation. projectorBuffer bounds each merged stream's output
// channel (see Projector).
func New(manager upstream.Manager, projectorBuffer int, log *logging.Logger) *Bus {
	if log == nil {
		log = logging.L()
	}
	reg := registry.New(log)
	reconciler := NewReconciler(reg, manager, log)
	projector := NewProjector(reg, manager, projectorBuffer, log)
	binder := NewBinder(reconciler, projector, log)
	return &Bus{Registry: reg, Reconciler: reconciler, Projector: projector, Binder: binder}
}

// ChangeSubscriptions replaces subscriber's holdings with target.
func (b *Bus) ChangeSubscriptions(ctx context.Context, subscriber string, target marketdata.KeySet) error {
	return b.Reconciler.ChangeSubscriptions(ctx, subscriber, target)
}

// ClearSubscriptions releases every key subscriber holds.
func (b *Bus) ClearSubscriptions(ctx context.Context, subscriber string) error {
	return b.Reconciler.ClearSubscriptions(ctx, subscriber)
}

// AddSubscription holds a single key for subscriber.
func (b *Bus) AddSubscription(ctx context.Context, subscriber string, key marketdata.Key) error {
	return b.Reconciler.AddSubscription(ctx, subscriber, key)
}

// RemoveSubscription releases a single key for subscriber.
func (b *Bus) RemoveSubscription(ctx context.Context, subscriber string, key marketdata.Key) error {
	return b.Reconciler.RemoveSubscription(ctx, subscriber, key)
}

// GetTickers returns subscriber's merged ticker stream, snapshotting holdings at call time.
func (b *Bus) GetTickers(ctx context.Context, subscriber string) (<-chan marketdata.Event, error) {
	return b.Projector.GetStream(ctx, subscriber, marketdata.TickerKind)
}

// GetOrderBooks returns subscriber's merged order-book stream.
func (b *Bus) GetOrderBooks(ctx context.Context, subscriber string) (<-chan marketdata.Event, error) {
	return b.Projector.GetStream(ctx, subscriber, marketdata.OrderBookKind)
}

// GetOpenOrders returns subscriber's merged open-orders stream.
func (b *Bus) GetOpenOrders(ctx context.Context, subscriber string) (<-chan marketdata.Event, error) {
	return b.Projector.GetStream(ctx, subscriber, marketdata.OpenOrdersKind)
}

// GetTrades returns subscriber's merged trade stream.
func (b *Bus) GetTrades(ctx context.Context, subscriber string) (<-chan marketdata.Event, error) {
	return b.Projector.GetStream(ctx, subscriber, marketdata.TradesKind)
}

// RegisterCallback binds key's events to callback for subscriber.
func (b *Bus) RegisterCallback(ctx context.Context, key marketdata.Key, subscriber string, callback Callback) error {
	return b.Binder.RegisterCallback(ctx, key, subscriber, callback)
}

// UnregisterCallbacks cancels every bound callback for subscriber and clears its subscriptions.
func (b *Bus) UnregisterCallbacks(ctx context.Context, subscriber string) error {
	return b.Binder.UnregisterCallbacks(ctx, subscriber)
}

// Stats gathers a point-in-time snapshot for the /metrics surface.
func (b *Bus) Stats() httpapiStats {
	return httpapiStats{
		DistinctKeys:           len(b.Registry.AllKeys()),
		Subscribers:            b.Registry.SubscriberCount(),
		UpstreamNotifications:  b.Reconciler.NotificationCount(),
		UpstreamNotifyFailures: b.Reconciler.NotifyFailureCount(),
		ProjectorDrops:         b.Projector.DropCount(),
	}
}

// httpapiStats mirrors httpapi.Stats's shape without importing the httpapi
// package, avoiding a dependency cycle (httpapi is the caller of Bus.Stats).
type httpapiStats struct {
	DistinctKeys           int
	Subscribers            int
	UpstreamNotifications  int64
	UpstreamNotifyFailures int64
	ProjectorDrops         int64
}
