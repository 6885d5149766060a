// Package sim is the backtest execution back-end: a deterministic fill
// simulator behind the same contract a live adapter implements.
package sim

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"propdesk/internal/broker"
	"propdesk/internal/schema"
)

var ErrInvalidOrder = errors.New("invalid order")

// Broker simulates fills against replayed market data. The engine feeds
// prices through OnBar/OnTick; fills come back on the event stream the
// same way a live adapter delivers them.
//
// Not safe for concurrent use: backtests are serial by design.
type Broker struct {
	cfg         Config
	instruments map[string]schema.Instrument
	connected   bool
	working     []schema.Order
	netQty      map[string]decimal.Decimal
	lastBar     map[string]schema.Bar
	lastTick    map[string]schema.Tick
	events      chan schema.Event
}

// New creates a simulated broker over the given instrument set.
func New(cfg Config, instruments ...schema.Instrument) (*Broker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := make(map[string]schema.Instrument, len(instruments))
	for _, inst := range instruments {
		m[inst.Symbol] = inst
	}
	return &Broker{
		cfg:         cfg,
		instruments: m,
		netQty:      make(map[string]decimal.Decimal),
		lastBar:     make(map[string]schema.Bar),
		lastTick:    make(map[string]schema.Tick),
		events:      make(chan schema.Event, cfg.EventBufferSize),
	}, nil
}

// Connect marks the simulator ready.
func (b *Broker) Connect(ctx context.Context) error {
	b.connected = true
	return nil
}

// Close stops the simulator and closes the event stream.
func (b *Broker) Close(ctx context.Context) error {
	if b.connected {
		b.connected = false
		close(b.events)
	}
	return nil
}

// Connected reports whether Connect has been called.
func (b *Broker) Connected() bool { return b.connected }

// Events returns the fill/cancel/reject stream.
func (b *Broker) Events() <-chan schema.Event { return b.events }

// OnBar advances the simulation clock: marks the latest bar and works
// pending limit/stop orders against it.
func (b *Broker) OnBar(bar schema.Bar) {
	b.lastBar[bar.Instrument] = bar
	b.processWorking(bar.Instrument, bar.Timestamp)
}

// OnTick advances the simulation clock with a quote update.
func (b *Broker) OnTick(tick schema.Tick) {
	b.lastTick[tick.Instrument] = tick
	b.processWorking(tick.Instrument, tick.Timestamp)
}

// Submit accepts an order. Market orders fill immediately at the next
// available quote plus slippage; limit and stop orders go to the working
// set and are evaluated on subsequent market data.
func (b *Broker) Submit(ctx context.Context, order schema.Order) (schema.OrderAck, error) {
	if !b.connected {
		return schema.OrderAck{}, broker.ErrDisconnected
	}
	if err := b.validate(order); err != nil {
		b.emit(schema.OrderEvent{
			Type:      schema.OrderEventRejected,
			OrderID:   order.ID,
			Reason:    err.Error(),
			Timestamp: order.CreatedAt,
		})
		return schema.OrderAck{OrderID: order.ID, Accepted: false, Reason: err.Error()}, nil
	}

	ack := schema.OrderAck{OrderID: order.ID, BrokerOrderID: "SIM-" + order.ID.String(), Accepted: true}
	b.emit(schema.OrderEvent{Type: schema.OrderEventSubmitted, OrderID: order.ID, Timestamp: order.CreatedAt})

	if order.Type == schema.OrderTypeMarket {
		b.fillMarket(order, order.CreatedAt)
		return ack, nil
	}
	b.working = append(b.working, order)
	return ack, nil
}

// Cancel removes a working order and reports the cancellation on the
// event stream.
func (b *Broker) Cancel(ctx context.Context, orderID uuid.UUID) (schema.CancelAck, error) {
	if !b.connected {
		return schema.CancelAck{}, broker.ErrDisconnected
	}
	for i, o := range b.working {
		if o.ID == orderID {
			b.working = append(b.working[:i], b.working[i+1:]...)
			b.emit(schema.OrderEvent{Type: schema.OrderEventCancelled, OrderID: orderID, Reason: "cancelled"})
			return schema.CancelAck{OrderID: orderID, Accepted: true}, nil
		}
	}
	return schema.CancelAck{OrderID: orderID, Accepted: false, Reason: "order not working"}, nil
}

// FlattenAll cancels every working order and market-closes the simulator's
// net quantity per instrument.
func (b *Broker) FlattenAll(ctx context.Context) error {
	if !b.connected {
		return broker.ErrDisconnected
	}
	for _, o := range b.working {
		b.emit(schema.OrderEvent{Type: schema.OrderEventCancelled, OrderID: o.ID, Reason: "flatten all"})
	}
	b.working = b.working[:0]

	for symbol, qty := range b.netQty {
		if qty.IsZero() {
			continue
		}
		side := schema.SideSell
		if qty.IsNegative() {
			side = schema.SideBuy
		}
		ts := b.lastBar[symbol].Timestamp
		if t, ok := b.lastTick[symbol]; ok && t.Timestamp.After(ts) {
			ts = t.Timestamp
		}
		b.fillMarket(schema.MarketOrder(symbol, side, qty.Abs(), ts), ts)
	}
	return nil
}

func (b *Broker) validate(order schema.Order) error {
	if _, ok := b.instruments[order.Instrument]; !ok {
		return errors.Wrap(ErrInvalidOrder, "unknown instrument "+order.Instrument)
	}
	if !order.Quantity.IsPositive() {
		return errors.Wrap(ErrInvalidOrder, "quantity must be > 0")
	}
	switch order.Type {
	case schema.OrderTypeLimit:
		if !order.LimitPrice.IsPositive() {
			return errors.Wrap(ErrInvalidOrder, "limit order without limit price")
		}
	case schema.OrderTypeStop:
		if !order.StopPrice.IsPositive() {
			return errors.Wrap(ErrInvalidOrder, "stop order without stop price")
		}
	case schema.OrderTypeMarket:
	default:
		return errors.Wrap(ErrInvalidOrder, "unsupported order type")
	}
	if order.Side != schema.SideBuy && order.Side != schema.SideSell {
		return errors.Wrap(ErrInvalidOrder, "unknown side")
	}
	return nil
}
