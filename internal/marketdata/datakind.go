package marketdata

import "fmt"

// DataKind is the closed enumeration of event shapes the bus understands.
// It is extensible by adding new variants below; the core does not support
// open-world polymorphism over arbitrary string kinds.
type DataKind uint8

const (
	// TickerKind carries best bid/ask and last-trade summaries.
	TickerKind DataKind = iota
	// OrderBookKind carries order book deltas or snapshots.
	OrderBookKind
	// OpenOrdersKind carries the subscriber's own resting order state.
	OpenOrdersKind
	// TradesKind carries executed trade prints.
	TradesKind
)

// String renders the data kind for logs and wire framing.
func (k DataKind) String() string {
	switch k {
	case TickerKind:
		return "TICKER"
	case OrderBookKind:
		return "ORDER_BOOK"
	case OpenOrdersKind:
		return "OPEN_ORDERS"
	case TradesKind:
		return "TRADES"
	default:
		return "UNKNOWN"
	}
}

// ParseDataKind maps the wire/string representation back to a DataKind.
func ParseDataKind(raw string) (DataKind, error) {
	switch raw {
	case "TICKER":
		return TickerKind, nil
	case "ORDER_BOOK":
		return OrderBookKind, nil
	case "OPEN_ORDERS":
		return OpenOrdersKind, nil
	case "TRADES":
		return TradesKind, nil
	default:
		return 0, fmt.Errorf("%w: unknown data kind %q", ErrInvalidArgument, raw)
	}
}
