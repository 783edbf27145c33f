// Package marketdata defines the value types that the subscription bus uses
// as its unit of demand: instruments, data kinds, subscription keys, and the
// event payloads the upstream Subscription Manager produces for them.
package marketdata

import "fmt"

// Instrument identifies a tradeable pair on a specific venue. It is
// immutable and compares structurally, so it is safe to use as a map key
// component once embedded in a Key.
type Instrument struct {
	ExchangeID    string
	BaseAsset     string
	CounterAsset  string
}

// NewInstrument validates and constructs an Instrument. Exchange ids and
// asset codes are opaque non-empty strings; an empty field is a programmer
// error (spec.md §7).
func NewInstrument(exchangeID, baseAsset, counterAsset string) (Instrument, error) {
	if exchangeID == "" {
		return Instrument{}, fmt.Errorf("%w: exchange id must not be empty", ErrInvalidArgument)
	}
	if baseAsset == "" {
		return Instrument{}, fmt.Errorf("%w: base asset must not be empty", ErrInvalidArgument)
	}
	if counterAsset == "" {
		return Instrument{}, fmt.Errorf("%w: counter asset must not be empty", ErrInvalidArgument)
	}
	return Instrument{ExchangeID: exchangeID, BaseAsset: baseAsset, CounterAsset: counterAsset}, nil
}

// String renders the instrument for logs in EXCHANGE:BASE/COUNTER form.
func (i Instrument) String() string {
	return fmt.Sprintf("%s:%s/%s", i.ExchangeID, i.BaseAsset, i.CounterAsset)
}
