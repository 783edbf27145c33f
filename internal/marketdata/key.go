package marketdata

import "errors"

// ErrInvalidArgument marks programmer errors per spec.md §7: invalid
// arguments are surfaced immediately without mutating any state.
var ErrInvalidArgument = errors.New("marketdata: invalid argument")

// Key is the unit of demand and deduplication: an (Instrument, DataKind)
// pair. It is immutable, comparable, and safe to use as a Go map key
// directly — no custom hashing is needed since both fields are themselves
// comparable.
type Key struct {
	Instrument Instrument
	Kind       DataKind
}

// NewKey constructs a Key from its parts.
func NewKey(instrument Instrument, kind DataKind) Key {
	return Key{Instrument: instrument, Kind: kind}
}

// String renders the key for logs.
func (k Key) String() string {
	return k.Instrument.String() + "#" + k.Kind.String()
}

// KeySet is a small set-of-Key convenience used by callers constructing a
// change_subscriptions target; the registry itself only deals in plain
// map[Key]struct{} internally.
type KeySet map[Key]struct{}

// NewKeySet builds a KeySet from a slice, deduplicating as it goes.
func NewKeySet(keys ...Key) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Contains reports whether the set holds the key.
func (s KeySet) Contains(k Key) bool {
	_, ok := s[k]
	return ok
}

// Slice returns the set's members in no particular order.
func (s KeySet) Slice() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// Difference returns the keys in s that are not in other.
func (s KeySet) Difference(other KeySet) KeySet {
	out := make(KeySet, len(s))
	for k := range s {
		if !other.Contains(k) {
			out[k] = struct{}{}
		}
	}
	return out
}
