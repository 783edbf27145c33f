// Package upstream defines the Subscription Manager boundary the bus
// consumes (spec.md §6) and a reference WebSocket implementation of it.
package upstream

import (
	"context"

	"orko/marketbus/internal/marketdata"
)

// Manager is the interface the Reconciler (internal/bus) and Stream
// Projector consume. Implementations connect to real exchanges; the bus
// only ever calls these two methods and never reaches further into an
// implementation.
type Manager interface {
	// UpdateSubscriptions reconciles upstream connections to match exactly
	// keys. It is idempotent and must return promptly: the Reconciler calls
	// it while holding the registry's write lock (spec.md §4.3 step 5), so a
	// slow or blocking implementation here serializes every subscriber in
	// the process. Implementations that need slower work (dialing a new
	// exchange, for instance) must do it asynchronously and let
	// UpdateSubscriptions return once the intent has been recorded.
	UpdateSubscriptions(ctx context.Context, keys marketdata.KeySet) error
	// Stream returns the event sequence for key. The bus calls this once per
	// key per get_stream invocation; the manager is responsible for
	// deduplicating underlying connections if multiple callers request the
	// same key concurrently.
	Stream(ctx context.Context, key marketdata.Key) (<-chan marketdata.Event, error)
}
