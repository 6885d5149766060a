package bridge

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"propdesk/internal/broker"
	"propdesk/internal/schema"
)

// missedHeartbeatLimit is how many unanswered heartbeat intervals mark
// the peer dead.
const missedHeartbeatLimit = 3

// Subscription names a market data stream to request after connecting.
type Subscription struct {
	Instrument string
	Timeframe  schema.Timeframe
}

// Config for the bridge broker.
type Config struct {
	Addr              string
	DialTimeout       time.Duration
	HeartbeatInterval time.Duration
	EventBufferSize   int
	Subscriptions     []Subscription
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1024
	}
	return c
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("bridge address required")
	}
	return nil
}

type orderTrack struct {
	brokerOrderID string
	instrument    string
	side          schema.Side
	filled        decimal.Decimal
}

// Broker drives a remote trading terminal over the length-prefixed JSON
// protocol. Fills, quotes and errors come back on Events; account and
// position snapshots pushed by the peer are cached and read via Account
// and Positions.
type Broker struct {
	cfg Config

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	done      chan struct{}
	orders    map[uuid.UUID]*orderTrack
	account   schema.AccountState
	positions map[string]schema.Position

	lastAck atomic.Int64
	events  chan schema.Event
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New creates a bridge broker. The event stream survives reconnects; it
// closes only on Close.
func New(cfg Config) (*Broker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broker{
		cfg:       cfg,
		orders:    make(map[uuid.UUID]*orderTrack),
		positions: make(map[string]schema.Position),
		events:    make(chan schema.Event, cfg.EventBufferSize),
	}, nil
}

// Connect dials the terminal, waits for its hello, subscribes the
// configured streams and starts the read and heartbeat loops.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}

	dialer := net.Dialer{Timeout: b.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", b.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "dial bridge")
	}

	_ = conn.SetReadDeadline(time.Now().Add(b.cfg.DialTimeout))
	body, err := ReadFrame(conn)
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "read bridge hello")
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := DecodeInbound(body)
	if err != nil {
		conn.Close()
		return err
	}
	switch m := msg.(type) {
	case *ConnectedMsg:
		logs.Infof("bridge connected, terminal version %s", m.Version)
	case *ErrorMsg:
		conn.Close()
		return errors.New("bridge refused connection: " + m.Message)
	default:
		conn.Close()
		return errors.New("unexpected bridge hello")
	}

	for _, sub := range b.cfg.Subscriptions {
		req := SubscribeMsg{Type: TypeSubscribe, Instrument: sub.Instrument, Timeframe: string(sub.Timeframe)}
		if err := b.writeLocked(conn, req); err != nil {
			conn.Close()
			return err
		}
	}

	b.conn = conn
	b.connected = true
	b.done = make(chan struct{})
	b.lastAck.Store(time.Now().UnixNano())

	b.wg.Add(2)
	go b.readLoop(conn, b.done)
	go b.heartbeatLoop(conn, b.done)
	return nil
}

// Close tears the session down and closes the event stream.
func (b *Broker) Close(ctx context.Context) error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}
	b.dropConn("close")
	b.wg.Wait()
	close(b.events)
	return nil
}

// Connected reports whether the session is up.
func (b *Broker) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Events returns the market data / order / system event stream.
func (b *Broker) Events() <-chan schema.Event { return b.events }

// Account returns the last account snapshot pushed by the terminal.
func (b *Broker) Account() schema.AccountState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account
}

// Positions returns the last position snapshots pushed by the terminal.
func (b *Broker) Positions() []schema.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out
}

// Submit sends the order to the terminal. Acceptance here means the wire
// write succeeded; fills and rejects arrive later as order updates.
func (b *Broker) Submit(ctx context.Context, order schema.Order) (schema.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return schema.OrderAck{}, broker.ErrDisconnected
	}

	msg := OrderSubmitMsg{
		Type:       TypeOrderSubmit,
		ID:         order.ID.String(),
		Instrument: order.Instrument,
		Side:       order.Side.String(),
		OrderType:  order.Type.String(),
		Quantity:   order.Quantity,
	}
	if order.Type == schema.OrderTypeLimit {
		p := order.LimitPrice
		msg.Price = &p
	}
	if order.Type == schema.OrderTypeStop {
		p := order.StopPrice
		msg.StopPrice = &p
	}

	if err := b.writeLocked(b.conn, msg); err != nil {
		return schema.OrderAck{}, err
	}
	b.orders[order.ID] = &orderTrack{instrument: order.Instrument, side: order.Side}
	return schema.OrderAck{OrderID: order.ID, Accepted: true}, nil
}

// Cancel asks the terminal to cancel by its own order id; the mapping
// comes from the first order update we saw for the order.
func (b *Broker) Cancel(ctx context.Context, orderID uuid.UUID) (schema.CancelAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return schema.CancelAck{}, broker.ErrDisconnected
	}
	track, ok := b.orders[orderID]
	if !ok || track.brokerOrderID == "" {
		return schema.CancelAck{OrderID: orderID, Accepted: false, Reason: "no broker order id"}, nil
	}
	msg := OrderCancelMsg{Type: TypeOrderCancel, BrokerOrderID: track.brokerOrderID}
	if err := b.writeLocked(b.conn, msg); err != nil {
		return schema.CancelAck{}, err
	}
	return schema.CancelAck{OrderID: orderID, Accepted: true}, nil
}

// FlattenAll asks the terminal to close everything and cancel all
// working orders.
func (b *Broker) FlattenAll(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.ErrDisconnected
	}
	return b.writeLocked(b.conn, FlattenAllMsg{Type: TypeFlattenAll})
}

func (b *Broker) writeLocked(conn net.Conn, msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode bridge message")
	}
	return WriteFrame(conn, body)
}

// dropConn closes the transport and marks the session down. The event
// stream stays open so a reconnect keeps feeding the same consumer.
func (b *Broker) dropConn(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return
	}
	logs.Warnf("bridge connection dropped: %s", reason)
	b.connected = false
	close(b.done)
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

func (b *Broker) emit(e schema.Event, done chan struct{}) {
	select {
	case b.events <- e:
	case <-done:
	}
}

func (b *Broker) readLoop(conn net.Conn, done chan struct{}) {
	defer b.wg.Done()
	for {
		body, err := ReadFrame(conn)
		if err != nil {
			select {
			case <-done:
			default:
				if !b.closing.Load() {
					b.emit(schema.SystemEvent{
						Type:      schema.SystemEventError,
						Message:   "bridge read failed",
						Err:       err,
						Timestamp: time.Now().UTC(),
					}, done)
				}
				b.dropConn(err.Error())
			}
			return
		}

		msg, err := DecodeInbound(body)
		if err != nil {
			logs.Warnf("bridge: dropping undecodable message: %v", err)
			continue
		}
		b.handleInbound(msg, done)
	}
}

func (b *Broker) handleInbound(msg any, done chan struct{}) {
	now := time.Now().UTC()
	switch m := msg.(type) {
	case *BarMsg:
		bar := schema.Bar{
			Instrument: m.Instrument,
			Timestamp:  m.Timestamp,
			Open:       m.Open,
			High:       m.High,
			Low:        m.Low,
			Close:      m.Close,
			Volume:     m.Volume,
		}
		b.emit(schema.MarketDataEvent{Bar: &bar}, done)
	case *TickMsg:
		tick := schema.Tick{
			Instrument: m.Instrument,
			Timestamp:  m.Timestamp,
			Bid:        m.Bid,
			Ask:        m.Ask,
			Last:       m.Last,
			Volume:     m.Volume,
		}
		b.emit(schema.MarketDataEvent{Tick: &tick}, done)
	case *OrderUpdateMsg:
		b.handleOrderUpdate(m, now, done)
	case *AccountUpdateMsg:
		b.mu.Lock()
		b.account.Balance = m.Balance
		b.account.Equity = m.Equity
		b.account.UnrealizedPnL = m.UnrealizedPnL
		b.account.RealizedPnL = m.RealizedPnL
		b.account.MarginUsed = m.MarginUsed
		b.account.Timestamp = now
		b.mu.Unlock()
	case *PositionUpdateMsg:
		b.mu.Lock()
		if m.Quantity.IsZero() {
			delete(b.positions, m.Instrument)
		} else {
			qty := m.Quantity
			if m.Side == "sell" || m.Side == "short" {
				qty = qty.Neg()
			}
			b.positions[m.Instrument] = schema.Position{
				Instrument:    m.Instrument,
				Quantity:      qty,
				AvgEntryPrice: m.AvgEntryPrice,
				UnrealizedPnL: m.UnrealizedPnL,
				OpenedAt:      now,
			}
		}
		b.mu.Unlock()
	case *HeartbeatAckMsg:
		b.lastAck.Store(time.Now().UnixNano())
	case *ErrorMsg:
		b.emit(schema.SystemEvent{
			Type:      schema.SystemEventError,
			Message:   "bridge error: " + m.Message,
			Timestamp: now,
		}, done)
	case *ConnectedMsg:
		// Duplicate hello mid-stream, harmless.
	}
}

func (b *Broker) handleOrderUpdate(m *OrderUpdateMsg, now time.Time, done chan struct{}) {
	id, err := uuid.Parse(m.ClientOrderID)
	if err != nil {
		logs.Warnf("bridge: order update with bad client id %q", m.ClientOrderID)
		return
	}

	b.mu.Lock()
	track, ok := b.orders[id]
	if !ok {
		track = &orderTrack{}
		b.orders[id] = track
	}
	if m.BrokerOrderID != "" {
		track.brokerOrderID = m.BrokerOrderID
	}
	delta := m.FilledQuantity.Sub(track.filled)
	track.filled = m.FilledQuantity
	instrument, side := track.instrument, track.side
	b.mu.Unlock()

	reason := ""
	if m.Message != nil {
		reason = *m.Message
	}

	switch m.Status {
	case "submitted":
		b.emit(schema.OrderEvent{Type: schema.OrderEventSubmitted, OrderID: id, Timestamp: now}, done)
	case "filled", "partially_filled":
		if !delta.IsPositive() || m.FillPrice == nil {
			logs.Warnf("bridge: fill update for %s without a fill delta or price", id)
			return
		}
		commission := decimal.Zero
		if m.Commission != nil {
			commission = *m.Commission
		}
		fill := schema.Fill{
			OrderID:    id,
			Instrument: instrument,
			Side:       side,
			Quantity:   delta,
			Price:      *m.FillPrice,
			Commission: commission,
			Timestamp:  now,
		}
		typ := schema.OrderEventFilled
		if m.Status == "partially_filled" {
			typ = schema.OrderEventPartiallyFilled
		}
		b.emit(schema.OrderEvent{Type: typ, OrderID: id, Fill: &fill, Timestamp: now}, done)
	case "cancelled":
		b.emit(schema.OrderEvent{Type: schema.OrderEventCancelled, OrderID: id, Reason: reason, Timestamp: now}, done)
	case "rejected":
		b.emit(schema.OrderEvent{Type: schema.OrderEventRejected, OrderID: id, Reason: reason, Timestamp: now}, done)
	default:
		logs.Warnf("bridge: order update with unknown status %q", m.Status)
	}
}

func (b *Broker) heartbeatLoop(conn net.Conn, done chan struct{}) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			silence := time.Since(time.Unix(0, b.lastAck.Load()))
			if silence > time.Duration(missedHeartbeatLimit)*b.cfg.HeartbeatInterval {
				b.emit(schema.SystemEvent{
					Type:      schema.SystemEventError,
					Message:   "bridge heartbeat timeout",
					Timestamp: time.Now().UTC(),
				}, done)
				b.dropConn("heartbeat timeout")
				return
			}
			b.mu.Lock()
			err := b.writeLocked(conn, HeartbeatMsg{Type: TypeHeartbeat, Timestamp: time.Now().UTC()})
			b.mu.Unlock()
			if err != nil {
				b.dropConn("heartbeat write failed")
				return
			}
		}
	}
}
