package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"propdesk/internal/broker"
	"propdesk/internal/bus"
	"propdesk/internal/schema"
)

// Live runs the cascade against a live broker until the context is
// cancelled or the ledger is found corrupt. Market data, fills and
// system events arrive concurrently from the broker; the engine
// serializes them through one queue so state mutation stays
// single-threaded. Ticks are droppable under backpressure, order-state
// events never are.
func (e *Engine) Live(ctx context.Context) (*EngineResult, error) {
	if err := e.connectWithBackoff(ctx); err != nil {
		return nil, err
	}

	q := bus.NewQueue(e.cfg.BusCapacity)
	var droppedTicks atomic.Int64

	go func() {
		defer q.Close()
		for ev := range e.broker.Events() {
			if md, ok := ev.(schema.MarketDataEvent); ok && md.Tick != nil {
				if err := q.TryPublish(ev); err != nil {
					if n := droppedTicks.Add(1); n%1000 == 1 {
						logs.Warnf("backpressure: %d ticks dropped so far", n)
					}
				}
				continue
			}
			if err := q.Publish(ctx, ev); err != nil {
				logs.Errorf("event queue publish: %v", err)
				return
			}
		}
	}()

	e.record(schema.SystemEvent{Type: schema.SystemEventStarted, Message: "live", Timestamp: time.Now().UTC()})
	e.startStrategies()

	var reconnecting atomic.Bool
	q.Run(ctx, func(ev schema.Event) {
		switch v := ev.(type) {
		case schema.MarketDataEvent:
			e.handleMarketData(ctx, v)
		case schema.OrderEvent:
			if err := e.handleOrderEvent(ctx, v); err != nil {
				q.Close()
			}
		case schema.SystemEvent:
			e.record(v)
			if v.Type == schema.SystemEventError {
				logs.Warnf("broker: %s", v.Message)
			}
			if !e.broker.Connected() && reconnecting.CompareAndSwap(false, true) {
				go func() {
					defer reconnecting.Store(false)
					if err := e.connectWithBackoff(ctx); err != nil {
						logs.Errorf("reconnect abandoned: %v", err)
					}
				}()
			}
		default:
			e.record(ev)
		}
	})

	e.stopStrategies()
	e.shutdown()
	e.record(schema.SystemEvent{Type: schema.SystemEventStopped, Message: "live", Timestamp: time.Now().UTC()})

	if e.fatal != nil {
		return e.result(), e.fatal
	}
	return e.result(), nil
}

// connectWithBackoff retries until connected or the context ends.
func (e *Engine) connectWithBackoff(ctx context.Context) error {
	bo := broker.DefaultBackoff()
	for {
		err := e.broker.Connect(ctx)
		if err == nil {
			if bo.Attempts() > 0 {
				logs.Infof("broker connected after %d retries", bo.Attempts())
			}
			return nil
		}
		wait := bo.Next()
		logs.Warnf("broker connect failed (attempt %d), retrying in %s: %v", bo.Attempts(), wait, err)
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "connect broker")
		case <-time.After(wait):
		}
	}
}

// shutdown attempts to cancel every outstanding order within the
// configured timeout. Orders still unconfirmed after the deadline are
// logged loudly, never dropped silently.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	pending := e.ledger.PendingOrders()
	for _, order := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.broker.Cancel(ctx, order.ID); err != nil {
			logs.Errorf("shutdown cancel %s: %v", order.ID, err)
		}
	}

	deadline := time.NewTimer(e.cfg.ShutdownTimeout)
	defer deadline.Stop()
drain:
	for {
		select {
		case ev, ok := <-e.broker.Events():
			if !ok {
				break drain
			}
			if oe, isOrder := ev.(schema.OrderEvent); isOrder {
				if err := e.handleOrderEvent(ctx, oe); err != nil {
					break drain
				}
			}
			if len(e.ledger.PendingOrders()) == 0 {
				break drain
			}
		case <-deadline.C:
			break drain
		}
	}

	if remaining := e.ledger.PendingOrders(); len(remaining) > 0 {
		for _, order := range remaining {
			logs.Warnf("shutdown: order %s (%s %s %s) still unconfirmed",
				order.ID, order.Side, order.Quantity, order.Instrument)
		}
	}
	if err := e.broker.Close(ctx); err != nil {
		logs.Errorf("broker close: %v", err)
	}
}
