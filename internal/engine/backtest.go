package engine

import (
	"context"
	"io"

	"github.com/yanun0323/errors"

	"propdesk/internal/feed"
	"propdesk/internal/schema"
)

// replayBroker is the extra surface a backtest back-end must offer: the
// engine pushes replayed data into it instead of the other way around.
type replayBroker interface {
	OnBar(bar schema.Bar)
	OnTick(tick schema.Tick)
}

var ErrNotReplayable = errors.New("broker cannot replay historical data")

// Backtest replays a historical source through the full cascade, fully
// serially: the next event is not read until the previous event's
// strategy, risk, broker and ledger effects have all settled. The same
// inputs and strategy order reproduce the same result exactly.
func (e *Engine) Backtest(ctx context.Context, source feed.HistoricalSource) (*EngineResult, error) {
	replay, ok := e.broker.(replayBroker)
	if !ok {
		return nil, ErrNotReplayable
	}
	if err := e.broker.Connect(ctx); err != nil {
		return nil, errors.Wrap(err, "connect backtest broker")
	}
	defer e.broker.Close(ctx)
	e.serial = true

	e.record(schema.SystemEvent{Type: schema.SystemEventStarted, Message: "backtest"})
	e.startStrategies()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := source.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read historical data")
		}

		// The broker sees the data first so resting limit/stop orders
		// fill against it before strategies react to it.
		if ev.Bar != nil {
			replay.OnBar(*ev.Bar)
		}
		if ev.Tick != nil {
			replay.OnTick(*ev.Tick)
		}
		if err := e.drainBrokerEvents(ctx); err != nil {
			return nil, err
		}

		e.handleMarketData(ctx, ev)
		if err := e.drainBrokerEvents(ctx); err != nil {
			return nil, err
		}
		if e.fatal != nil {
			return nil, e.fatal
		}
	}

	e.stopStrategies()

	// Close whatever is still open at the final price, through the
	// ledger so the closes realize as trades.
	e.forceFlatten(ctx, e.end)
	if err := e.drainBrokerEvents(ctx); err != nil {
		return nil, err
	}
	if e.fatal != nil {
		return nil, e.fatal
	}

	e.record(schema.SystemEvent{Type: schema.SystemEventStopped, Message: "backtest", Timestamp: e.end})
	return e.result(), nil
}

// drainBrokerEvents applies everything the broker has emitted so far.
// Forced flattening inside the drain may emit more; the loop runs until
// the stream is quiet.
func (e *Engine) drainBrokerEvents(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-e.broker.Events():
			if !ok {
				return nil
			}
			if oe, isOrder := ev.(schema.OrderEvent); isOrder {
				if err := e.handleOrderEvent(ctx, oe); err != nil {
					return err
				}
				continue
			}
			e.record(ev)
		default:
			return nil
		}
	}
}
