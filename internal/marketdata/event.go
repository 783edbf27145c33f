package marketdata

// Event is the envelope the upstream Subscription Manager produces for a
// Key. The core treats Payload opaquely (spec.md §3); it only inspects Kind
// and Instrument for routing/merging.
type Event struct {
	Instrument Instrument
	Kind       DataKind
	Payload    any
}

// Ticker is the payload shape for TickerKind events. The upstream manager
// is free to use a different concrete type; the bus never type-asserts
// Payload itself.
type Ticker struct {
	Bid, Ask, Last float64
}

// OrderBookLevel is one price level of an OrderBookKind payload.
type OrderBookLevel struct {
	Price, Size float64
}

// OrderBook is the payload shape for OrderBookKind events.
type OrderBook struct {
	Bids, Asks []OrderBookLevel
}

// Order is one resting order in an OpenOrdersKind payload.
type Order struct {
	ID       string
	Price    float64
	Size     float64
	Side     string
}

// OpenOrders is the payload shape for OpenOrdersKind events.
type OpenOrders struct {
	Orders []Order
}

// Trade is the payload shape for TradesKind events.
type Trade struct {
	Price, Size float64
	Side        string
}
