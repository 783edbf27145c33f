// Package registry implements the Demand Registry (spec.md §4.2): a
// concurrent mapping from Subscription Key to reference count, paired with
// a bidirectional index from subscriber id to the keys it holds. A single
// reader/writer lock guards both indices so they always transition
// together (spec.md §9 "Bidirectional index under one lock").
package registry

import (
	"sync"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
)

// Transition reports what happened to the global refcount as a result of a
// single hold/release call, so callers (the Reconciler) know whether the
// upstream union changed.
type Transition int

const (
	// AlreadyHeld means the subscriber already held the key; no mutation
	// occurred (hold is idempotent per spec.md §4.2).
	AlreadyHeld Transition = iota
	// FirstGlobalHolder means the key's refcount transitioned 0 -> 1: the
	// upstream Subscription Manager needs to start carrying this key.
	FirstGlobalHolder
	// AdditionalHolder means the key was already held by someone else;
	// refcount incremented but the global union is unchanged.
	AdditionalHolder
	// LastGlobalHolder means the key's refcount transitioned 1 -> 0: the
	// upstream Subscription Manager no longer needs to carry this key.
	LastGlobalHolder
	// StillHeld means other subscribers still hold the key after this
	// release; the global union is unchanged.
	StillHeld
	// NotHeld means the subscriber did not hold the key being released
	// (SubscriberInconsistency, spec.md §7); no mutation occurred.
	NotHeld
)

// String renders the transition for logs.
func (t Transition) String() string {
	switch t {
	case AlreadyHeld:
		return "ALREADY_HELD"
	case FirstGlobalHolder:
		return "FIRST_GLOBAL_HOLDER"
	case AdditionalHolder:
		return "ADDITIONAL_HOLDER"
	case LastGlobalHolder:
		return "LAST_GLOBAL_HOLDER"
	case StillHeld:
		return "STILL_HELD"
	case NotHeld:
		return "NOT_HELD"
	default:
		return "UNKNOWN"
	}
}

// Registry is the concurrent demand aggregator. The zero value is not
// usable; construct with New.
type Registry struct {
	mu       sync.RWMutex
	refcount map[marketdata.Key]int
	holdings map[string]map[marketdata.Key]struct{}
	log      *logging.Logger
}

// New constructs an empty Registry.
func New(log *logging.Logger) *Registry {
	if log == nil {
		log = logging.L()
	}
	return &Registry{
		refcount: make(map[marketdata.Key]int),
		holdings: make(map[string]map[marketdata.Key]struct{}),
		log:      log.With(logging.String("component", "registry")),
	}
}

// Hold adds key to subscriber's holdings. Both indices mutate together
// under the write lock so a reader never observes a refcount without a
// matching holding or vice versa.
func (r *Registry) Hold(subscriber string, key marketdata.Key) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holdLocked(subscriber, key)
}

func (r *Registry) holdLocked(subscriber string, key marketdata.Key) Transition {
	keys, ok := r.holdings[subscriber]
	if !ok {
		keys = make(map[marketdata.Key]struct{})
		r.holdings[subscriber] = keys
	}
	if _, already := keys[key]; already {
		return AlreadyHeld
	}
	keys[key] = struct{}{}
	r.refcount[key]++
	if r.refcount[key] == 1 {
		return FirstGlobalHolder
	}
	return AdditionalHolder
}

// Release removes key from subscriber's holdings.
func (r *Registry) Release(subscriber string, key marketdata.Key) Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(subscriber, key)
}

func (r *Registry) releaseLocked(subscriber string, key marketdata.Key) Transition {
	keys, ok := r.holdings[subscriber]
	if !ok {
		r.log.Warn("release of key by subscriber with no holdings",
			logging.Subscriber(subscriber), logging.Key(key))
		return NotHeld
	}
	if _, held := keys[key]; !held {
		r.log.Warn("release of key not held by subscriber",
			logging.Subscriber(subscriber), logging.Key(key))
		return NotHeld
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.holdings, subscriber)
	}

	count, ok := r.refcount[key]
	if !ok || count <= 0 {
		// A missing or non-positive refcount for a live holding is a
		// SubscriberInconsistency (spec.md §7): treat it as the
		// most-conservative outcome, LastGlobalHolder, and clean up.
		r.log.Warn("missing refcount for held key", logging.Key(key))
		delete(r.refcount, key)
		return LastGlobalHolder
	}
	count--
	if count <= 0 {
		delete(r.refcount, key)
		return LastGlobalHolder
	}
	r.refcount[key] = count
	return StillHeld
}

// Holdings returns a point-in-time snapshot of the keys subscriber holds.
func (r *Registry) Holdings(subscriber string) marketdata.KeySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holdingsLocked(subscriber)
}

func (r *Registry) holdingsLocked(subscriber string) marketdata.KeySet {
	keys := r.holdings[subscriber]
	out := make(marketdata.KeySet, len(keys))
	for k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// HoldingsOfKind returns the subset of subscriber's holdings matching kind.
func (r *Registry) HoldingsOfKind(subscriber string, kind marketdata.DataKind) marketdata.KeySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := r.holdings[subscriber]
	out := make(marketdata.KeySet, len(keys))
	for k := range keys {
		if k.Kind == kind {
			out[k] = struct{}{}
		}
	}
	return out
}

// AllKeys returns the union of every subscriber's holdings: exactly the set
// the upstream Subscription Manager should be driving.
func (r *Registry) AllKeys() marketdata.KeySet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allKeysLocked()
}

func (r *Registry) allKeysLocked() marketdata.KeySet {
	out := make(marketdata.KeySet, len(r.refcount))
	for k := range r.refcount {
		out[k] = struct{}{}
	}
	return out
}

// Refcount reports the current holder count for key (0 if absent). Exposed
// mainly for tests asserting the invariants of spec.md §8.
func (r *Registry) Refcount(key marketdata.Key) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refcount[key]
}

// SubscriberCount reports the number of distinct subscribers currently
// holding at least one key.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.holdings)
}

// WithLock runs fn while holding the registry's write lock. The Reconciler
// (internal/bus) uses this to apply a batch of holds/releases and, if the
// union changed, notify the upstream Subscription Manager before any other
// writer can observe an intermediate state (spec.md §4.3 step 5, §9).
func (r *Registry) WithLock(fn func(l *Locked)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&Locked{r: r})
}

// Locked exposes the mutating/reading operations that must run inside a
// single critical section. Only obtainable via Registry.WithLock.
type Locked struct {
	r *Registry
}

// Hold see Registry.Hold.
func (l *Locked) Hold(subscriber string, key marketdata.Key) Transition {
	return l.r.holdLocked(subscriber, key)
}

// Release see Registry.Release.
func (l *Locked) Release(subscriber string, key marketdata.Key) Transition {
	return l.r.releaseLocked(subscriber, key)
}

// Holdings see Registry.Holdings.
func (l *Locked) Holdings(subscriber string) marketdata.KeySet {
	return l.r.holdingsLocked(subscriber)
}

// AllKeys see Registry.AllKeys.
func (l *Locked) AllKeys() marketdata.KeySet {
	return l.r.allKeysLocked()
}
