package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
)

// wireEvent is the frame shape an exchange sends over its WebSocket feed.
// Payload is left raw so each Kind can unmarshal into its own concrete type
// without the connector needing to know every exchange's wire format.
type wireEvent struct {
	ExchangeID   string          `json:"exchange_id"`
	BaseAsset    string          `json:"base_asset"`
	CounterAsset string          `json:"counter_asset"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
}

// EndpointResolver builds the dial URL for a given key. Exchanges typically
// expose one endpoint per instrument+kind or accept a query-string
// subscription; the connector stays agnostic by delegating this.
type EndpointResolver func(key marketdata.Key) (string, error)

// ExchangeConnector is a reference Manager implementation that dials one
// WebSocket connection per Subscription Key and fans its decoded events out
// to every Stream caller for that key. It is grounded on the same
// dial/ping/reconnect discipline the front door uses for inbound
// connections, mirrored here for an outbound dial.
type ExchangeConnector struct {
	resolve     EndpointResolver
	dialer      *websocket.Dialer
	log         *logging.Logger
	pingInterval time.Duration
	backoff      time.Duration
	backoffMax   time.Duration

	mu   sync.Mutex
	hubs map[marketdata.Key]*keyHub
}

// ConnectorOption configures an ExchangeConnector.
type ConnectorOption func(*ExchangeConnector)

// WithPingInterval overrides the keepalive ping cadence for every dialed connection.
func WithPingInterval(d time.Duration) ConnectorOption {
	return func(c *ExchangeConnector) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithReconnectBackoff overrides the initial and maximum reconnect delay.
func WithReconnectBackoff(initial, max time.Duration) ConnectorOption {
	return func(c *ExchangeConnector) {
		if initial > 0 {
			c.backoff = initial
		}
		if max > 0 {
			c.backoffMax = max
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *logging.Logger) ConnectorOption {
	return func(c *ExchangeConnector) {
		if log != nil {
			c.log = log
		}
	}
}

// NewExchangeConnector constructs a connector that resolves each key's dial
// URL via resolve.
func NewExchangeConnector(resolve EndpointResolver, opts ...ConnectorOption) *ExchangeConnector {
	c := &ExchangeConnector{
		resolve:      resolve,
		dialer:       websocket.DefaultDialer,
		log:          logging.L().With(logging.String("component", "exchange_connector")),
		pingInterval: 30 * time.Second,
		backoff:      time.Second,
		backoffMax:   30 * time.Second,
		hubs:         make(map[marketdata.Key]*keyHub),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UpdateSubscriptions starts a dial loop for every new key in keys and tears
// down the dial loop for every key no longer present. It returns once every
// start/stop has been initiated; the dials themselves proceed
// asynchronously so the caller (holding the bus write lock) is never
// blocked on network I/O.
func (c *ExchangeConnector) UpdateSubscriptions(ctx context.Context, keys marketdata.KeySet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range keys {
		if _, ok := c.hubs[key]; ok {
			continue
		}
		hub := newKeyHub(key)
		c.hubs[key] = hub
		go c.runHub(hub)
	}
	for key, hub := range c.hubs {
		if keys.Contains(key) {
			continue
		}
		hub.stop()
		delete(c.hubs, key)
	}
	return nil
}

// Stream registers a listener channel against key's hub. It returns an
// error if the manager has not been told to carry key (the bus only calls
// Stream for keys it currently holds, so this indicates a programmer error
// upstream).
func (c *ExchangeConnector) Stream(ctx context.Context, key marketdata.Key) (<-chan marketdata.Event, error) {
	c.mu.Lock()
	hub, ok := c.hubs[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("upstream: no active subscription for key %s", key)
	}
	return hub.listen(ctx), nil
}

func (c *ExchangeConnector) runHub(hub *keyHub) {
	log := c.log.With(logging.Key(hub.key))
	backoff := c.backoff
	for {
		select {
		case <-hub.done:
			return
		default:
		}

		endpoint, err := c.resolve(hub.key)
		if err != nil {
			log.Error("failed to resolve exchange endpoint", logging.Error(err))
			return
		}

		conn, _, err := c.dialer.Dial(endpoint, nil)
		if err != nil {
			log.Warn("exchange dial failed, backing off", logging.Error(err), logging.String("backoff", backoff.String()))
			if !sleepOrDone(backoff, hub.done) {
				return
			}
			backoff = nextBackoff(backoff, c.backoffMax)
			continue
		}
		backoff = c.backoff
		log.Info("exchange connection established")

		if err := c.pump(hub, conn, log); err != nil {
			log.Warn("exchange connection closed, reconnecting", logging.Error(err))
		}
		_ = conn.Close()

		select {
		case <-hub.done:
			return
		default:
		}
	}
}

func (c *ExchangeConnector) pump(hub *keyHub, conn *websocket.Conn, log *logging.Logger) error {
	pingTicker := time.NewTicker(c.pingInterval)
	defer pingTicker.Stop()

	conn.SetPongHandler(func(string) error { return nil })

	errCh := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			var wire wireEvent
			if err := json.Unmarshal(raw, &wire); err != nil {
				log.Warn("dropping malformed exchange frame", logging.Error(err))
				continue
			}
			event, err := decodeWireEvent(wire)
			if err != nil {
				log.Warn("dropping undecodable exchange frame", logging.Error(err))
				continue
			}
			hub.publish(event)
		}
	}()

	for {
		select {
		case <-hub.done:
			return nil
		case err := <-errCh:
			return err
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				return err
			}
		}
	}
}

func decodeWireEvent(wire wireEvent) (marketdata.Event, error) {
	instrument, err := marketdata.NewInstrument(wire.ExchangeID, wire.BaseAsset, wire.CounterAsset)
	if err != nil {
		return marketdata.Event{}, err
	}
	kind, err := marketdata.ParseDataKind(wire.Kind)
	if err != nil {
		return marketdata.Event{}, err
	}
	payload, err := decodePayload(kind, wire.Payload)
	if err != nil {
		return marketdata.Event{}, err
	}
	return marketdata.Event{Instrument: instrument, Kind: kind, Payload: payload}, nil
}

func decodePayload(kind marketdata.DataKind, raw json.RawMessage) (any, error) {
	switch kind {
	case marketdata.TickerKind:
		var payload marketdata.Ticker
		return payload, json.Unmarshal(raw, &payload)
	case marketdata.OrderBookKind:
		var payload marketdata.OrderBook
		return payload, json.Unmarshal(raw, &payload)
	case marketdata.OpenOrdersKind:
		var payload marketdata.OpenOrders
		return payload, json.Unmarshal(raw, &payload)
	case marketdata.TradesKind:
		var payload marketdata.Trade
		return payload, json.Unmarshal(raw, &payload)
	default:
		return nil, fmt.Errorf("upstream: unsupported data kind %v", kind)
	}
}

func sleepOrDone(d time.Duration, done <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-done:
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// DefaultEndpointResolver builds a dial URL of the form
// base/<exchange>/<base>-<counter>/<kind>, a reasonable default for
// exchanges that expose one subscription-scoped path per feed.
func DefaultEndpointResolver(base string) EndpointResolver {
	return func(key marketdata.Key) (string, error) {
		u, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		u.Path = fmt.Sprintf("%s/%s/%s-%s/%s",
			trimTrailingSlash(u.Path),
			key.Instrument.ExchangeID,
			key.Instrument.BaseAsset,
			key.Instrument.CounterAsset,
			key.Kind.String(),
		)
		return u.String(), nil
	}
}

func trimTrailingSlash(p string) string {
	if len(p) > 0 && p[len(p)-1] == '/' {
		return p[:len(p)-1]
	}
	return p
}
