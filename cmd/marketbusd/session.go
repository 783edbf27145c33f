package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orko/marketbus/internal/bus"
	"orko/marketbus/internal/logging"
	"orko/marketbus/internal/marketdata"
	"orko/marketbus/internal/wire"
)

const (
	writeWait          = 10 * time.Second
	pongWaitMultiplier = 2
)

// controlEnvelope is one inbound control frame. Type drives which bus
// operation to call; Keys/Key carry the subscription target depending on
// the operation.
type controlEnvelope struct {
	Type string    `json:"type"`
	ID   string    `json:"id"`
	Keys []wireKey `json:"keys,omitempty"`
	Key  *wireKey  `json:"key,omitempty"`
}

// wireKey is the JSON rendering of a marketdata.Key.
type wireKey struct {
	ExchangeID   string `json:"exchange_id"`
	BaseAsset    string `json:"base_asset"`
	CounterAsset string `json:"counter_asset"`
	Kind         string `json:"kind"`
}

func (k wireKey) toKey() (marketdata.Key, error) {
	instrument, err := marketdata.NewInstrument(k.ExchangeID, k.BaseAsset, k.CounterAsset)
	if err != nil {
		return marketdata.Key{}, err
	}
	kind, err := marketdata.ParseDataKind(k.Kind)
	if err != nil {
		return marketdata.Key{}, err
	}
	return marketdata.NewKey(instrument, kind), nil
}

// outboundEnvelope is one outbound frame: either a forwarded market event,
// an acknowledgement of a control frame, or an error report.
type outboundEnvelope struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Instrument string `json:"instrument,omitempty"`
	Payload    any    `json:"payload,omitempty"`
	Error      string `json:"error,omitempty"`
}

var streamKinds = []marketdata.DataKind{
	marketdata.TickerKind,
	marketdata.OrderBookKind,
	marketdata.OpenOrdersKind,
	marketdata.TradesKind,
}

// session is one front-door WebSocket connection: one Subscription Manager
// subscriber id per connection. It owns the client's registry holdings for
// its lifetime and tears them down on disconnect.
type session struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	log   *logging.Logger
	bus   *bus.Bus
	audit *wire.AuditWriter

	mu         sync.Mutex
	streamStop context.CancelFunc
	closed     bool
}

func newSession(id string, conn *websocket.Conn, log *logging.Logger, b *bus.Bus, audit *wire.AuditWriter) *session {
	return &session{
		id:    id,
		conn:  conn,
		send:  make(chan []byte, 256),
		log:   log,
		bus:   b,
		audit: audit,
	}
}

// run drives the reader and writer loops for the session, blocking until
// the connection closes. It always clears subscriptions on return.
func (s *session) run(ctx context.Context, pingInterval time.Duration, maxPayloadBytes int64) {
	defer s.teardown()

	if maxPayloadBytes > 0 {
		s.conn.SetReadLimit(maxPayloadBytes)
	}
	waitDuration := pongWaitMultiplier * pingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(waitDuration))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(waitDuration))
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readLoop(ctx, waitDuration)
	}()
	go func() {
		defer wg.Done()
		s.writeLoop(pingInterval)
	}()
	wg.Wait()
}

func (s *session) readLoop(ctx context.Context, waitDuration time.Duration) {
	defer s.closeSend()
	for {
		messageType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Warn("read deadline exceeded", logging.Error(err))
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("unexpected websocket close", logging.Error(err))
			} else if !errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("read loop ending", logging.Error(err))
			}
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(waitDuration)); err != nil {
			s.log.Error("failed to extend read deadline", logging.Error(err))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.handleControlFrame(ctx, msg)
	}
}

func (s *session) handleControlFrame(ctx context.Context, raw []byte) {
	var envelope controlEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		s.log.Debug("dropping invalid control frame", logging.Error(err))
		return
	}

	var err error
	switch envelope.Type {
	case "change_subscriptions":
		target := make(marketdata.KeySet, len(envelope.Keys))
		for _, wk := range envelope.Keys {
			key, keyErr := wk.toKey()
			if keyErr != nil {
				s.reply(outboundEnvelope{Type: "error", ID: envelope.ID, Error: keyErr.Error()})
				return
			}
			target[key] = struct{}{}
		}
		err = s.bus.ChangeSubscriptions(ctx, s.id, target)
	case "clear_subscriptions":
		err = s.bus.ClearSubscriptions(ctx, s.id)
	case "add_subscription":
		key, keyErr := s.resolveKey(envelope)
		if keyErr != nil {
			s.reply(outboundEnvelope{Type: "error", ID: envelope.ID, Error: keyErr.Error()})
			return
		}
		err = s.bus.AddSubscription(ctx, s.id, key)
	case "remove_subscription":
		key, keyErr := s.resolveKey(envelope)
		if keyErr != nil {
			s.reply(outboundEnvelope{Type: "error", ID: envelope.ID, Error: keyErr.Error()})
			return
		}
		err = s.bus.RemoveSubscription(ctx, s.id, key)
	default:
		s.reply(outboundEnvelope{Type: "error", ID: envelope.ID, Error: "unknown control frame type"})
		return
	}

	if err != nil {
		s.log.Warn("control frame rejected", logging.String("type", envelope.Type), logging.Error(err))
		s.reply(outboundEnvelope{Type: "error", ID: envelope.ID, Error: err.Error()})
		return
	}
	if s.audit != nil {
		_ = s.audit.Append(wire.AuditRecord{Kind: envelope.Type, Subject: s.id})
	}
	s.reply(outboundEnvelope{Type: "ack", ID: envelope.ID})
	s.restartStreams(ctx)
}

func (s *session) resolveKey(envelope controlEnvelope) (marketdata.Key, error) {
	if envelope.Key == nil {
		return marketdata.Key{}, errors.New("missing key")
	}
	return envelope.Key.toKey()
}

// restartStreams re-pulls a merged stream per data kind, reflecting the
// subscriber's holdings as of this call (spec.md §4.4 snapshot-at-call-time
// semantics mean a prior change requires a fresh get_stream to pick it up).
func (s *session) restartStreams(ctx context.Context) {
	s.mu.Lock()
	if s.streamStop != nil {
		s.streamStop()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	s.streamStop = cancel
	s.mu.Unlock()

	for _, kind := range streamKinds {
		kind := kind
		events, err := s.bus.Projector.GetStream(streamCtx, s.id, kind)
		if err != nil {
			s.log.Error("failed to open stream", logging.String("kind", kind.String()), logging.Error(err))
			continue
		}
		go s.pumpEvents(streamCtx, kind, events)
	}
}

func (s *session) pumpEvents(ctx context.Context, kind marketdata.DataKind, events <-chan marketdata.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(outboundEnvelope{
				Type:       "event",
				Kind:       kind.String(),
				Instrument: event.Instrument.String(),
				Payload:    event.Payload,
			})
			if err != nil {
				s.log.Error("failed to encode event", logging.Error(err))
				continue
			}
			s.enqueue(data)
		}
	}
}

func (s *session) reply(envelope outboundEnvelope) {
	data, err := json.Marshal(envelope)
	if err != nil {
		s.log.Error("failed to encode reply", logging.Error(err))
		return
	}
	s.enqueue(data)
}

func (s *session) enqueue(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- data:
	default:
		s.log.Warn("dropping outbound frame: client not keeping up")
	}
}

// closeSend marks the session closed and closes send exactly once, so a
// concurrent enqueue can never race a send on a closed channel.
func (s *session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

func (s *session) writeLoop(pingInterval time.Duration) {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				s.log.Error("failed to set write deadline", logging.Error(err))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Error("write error", logging.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				s.log.Warn("ping failure", logging.Error(err))
				return
			}
		}
	}
}

func (s *session) teardown() {
	s.mu.Lock()
	if s.streamStop != nil {
		s.streamStop()
	}
	s.mu.Unlock()
	if err := s.bus.ClearSubscriptions(context.Background(), s.id); err != nil {
		s.log.Warn("failed to clear subscriptions on disconnect", logging.Error(err))
	}
}
