// Package engine sequences the trading cascade identically in backtest
// and live mode: market data updates the ledger, strategies emit
// signals, the risk gate approves orders, the broker fills them, and
// fills flow back into the ledger and the post-trade risk evaluation.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"propdesk/internal/broker"
	"propdesk/internal/ledger"
	"propdesk/internal/risk"
	"propdesk/internal/schema"
	"propdesk/internal/strategy"
)

var (
	ErrNoStrategies = errors.New("engine needs at least one strategy")
	// ErrLedgerCorrupt halts a run: a fill that cannot be applied means
	// the trading record can no longer be trusted.
	ErrLedgerCorrupt = errors.New("ledger state inconsistency")
)

// EventSink persists the event stream. The journal package implements it;
// a nil sink disables journaling.
type EventSink interface {
	Record(e schema.Event) error
}

// Config for an engine run.
type Config struct {
	InitialBalance decimal.Decimal
	// DefaultQuantity sizes orders from signals that leave quantity zero.
	DefaultQuantity decimal.Decimal
	// BusCapacity bounds the live event queue.
	BusCapacity int
	// ShutdownTimeout bounds the live cancel-all on stop.
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultQuantity.IsZero() {
		c.DefaultQuantity = decimal.NewFromInt(1)
	}
	if c.BusCapacity <= 0 {
		c.BusCapacity = 4096
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if !c.InitialBalance.IsPositive() {
		return errors.New("initial balance must be > 0")
	}
	if c.DefaultQuantity.IsNegative() {
		return errors.New("default quantity must be >= 0")
	}
	return nil
}

// Engine drives one run. It is the only writer of its ledger; all state
// mutation happens on the goroutine running the event loop.
type Engine struct {
	cfg        Config
	ledger     *ledger.Ledger
	risk       *risk.Manager
	broker     broker.Broker
	strategies []strategy.Strategy
	sink       EventSink

	// serial marks backtest mode: broker events are drained after every
	// submission so each order's effects settle before the next decision.
	serial bool
	// halted stops new order flow after a hard rule breach; market data
	// and fills keep flowing so the ledger stays truthful. A daily-scoped
	// breach lifts at the next session, a drawdown breach never does.
	halted        bool
	permanentHalt bool
	// inFlight reserves order exposure per instrument between submission
	// and the terminal order event.
	inFlight map[string]decimal.Decimal
	orderIDs map[uuid.UUID]string

	equity     []EquityPoint
	violations []risk.Violation
	start, end time.Time
	fatal      error
}

// Option tweaks engine construction.
type Option func(*Engine)

// WithSink journals every event the engine processes.
func WithSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// New creates an engine over a broker, a risk manager and a set of
// strategies. Strategy registration order is significant: delivery
// follows it, and backtests reproduce exactly only for the same order.
func New(cfg Config, rm *risk.Manager, b broker.Broker, strategies []strategy.Strategy, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(strategies) == 0 {
		return nil, ErrNoStrategies
	}
	e := &Engine{
		cfg:        cfg,
		ledger:     ledger.New(cfg.InitialBalance),
		risk:       rm,
		broker:     b,
		strategies: strategies,
		inFlight:   make(map[string]decimal.Decimal),
		orderIDs:   make(map[uuid.UUID]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterInstrument makes an instrument tradeable.
func (e *Engine) RegisterInstrument(inst schema.Instrument) error {
	return e.ledger.RegisterInstrument(inst)
}

// Ledger exposes the authoritative trading state, read-only by
// convention.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func (e *Engine) record(ev schema.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ev); err != nil {
		logs.Errorf("journal write failed: %v", err)
	}
}

// handleMarketData runs the front half of the cascade: mark-to-market,
// risk observation, then strategy delivery in registration order.
func (e *Engine) handleMarketData(ctx context.Context, ev schema.MarketDataEvent) {
	e.record(ev)
	ts := ev.EventTime()
	if e.start.IsZero() {
		e.start = ts
	}
	e.end = ts

	price := e.markPrice(ev)
	if !price.IsZero() {
		if err := e.ledger.MarkToMarket(ev.Instrument(), price, ts); err != nil {
			logs.Warnf("mark-to-market %s: %v", ev.Instrument(), err)
		}
	}
	if newDay := e.risk.Observe(e.ledger.Account(), ts); newDay {
		e.ledger.ResetDailyPnL()
		if e.halted && !e.permanentHalt {
			e.halted = false
			logs.Infof("new session, daily halt lifted")
		}
	}

	for _, s := range e.strategies {
		for _, sig := range e.deliver(s, ev) {
			e.handleSignal(ctx, sig)
		}
	}

	e.evaluateRisk(ctx, ts)
	acct := e.ledger.Account()
	e.equity = append(e.equity, EquityPoint{
		Timestamp: ts,
		Equity:    acct.Equity,
		Drawdown:  e.drawdown(acct.Equity),
	})
}

func (e *Engine) markPrice(ev schema.MarketDataEvent) decimal.Decimal {
	if ev.Bar != nil {
		return ev.Bar.Close
	}
	if ev.Tick != nil {
		return ev.Tick.Mid()
	}
	return decimal.Zero
}

func (e *Engine) drawdown(equity decimal.Decimal) decimal.Decimal {
	dd := e.risk.State().HighWaterMark.Sub(equity)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd
}

// deliver hands one event to one strategy. A panicking strategy is
// contained: the engine logs it and keeps running.
func (e *Engine) deliver(s strategy.Strategy, ev schema.MarketDataEvent) (signals []schema.Signal) {
	defer func() {
		if r := recover(); r != nil {
			logs.Errorf("strategy %s failed: %v", s.ID(), r)
			e.record(schema.SystemEvent{
				Type:      schema.SystemEventError,
				Message:   "strategy " + s.ID() + " failed",
				Timestamp: ev.EventTime(),
			})
			signals = nil
		}
	}()
	if ev.Bar != nil {
		return s.OnBar(*ev.Bar)
	}
	if ev.Tick != nil {
		return s.OnTick(*ev.Tick)
	}
	return nil
}

// handleSignal converts a signal into zero or more candidate orders and
// walks each through the risk gate.
func (e *Engine) handleSignal(ctx context.Context, sig schema.Signal) {
	e.record(schema.SignalEvent{Signal: sig})
	if e.halted {
		e.rejectSignal(sig, "halted", "trading halted after rule breach")
		return
	}

	for _, order := range e.signalToOrders(sig) {
		e.submitGated(ctx, order, sig)
	}
}

// signalToOrders expands a signal. Entries become one order; ExitAll
// becomes a closing market order per open position.
func (e *Engine) signalToOrders(sig schema.Signal) []schema.Order {
	qty := sig.Quantity
	if !qty.IsPositive() {
		qty = e.cfg.DefaultQuantity
	}
	ts := sig.Timestamp

	entry := func(side schema.Side) schema.Order {
		var order schema.Order
		if sig.Price.IsPositive() {
			order = schema.LimitOrder(sig.Instrument, side, qty, sig.Price, ts)
		} else {
			order = schema.MarketOrder(sig.Instrument, side, qty, ts)
		}
		order.StrategyID = sig.StrategyID
		return order
	}

	switch sig.Action {
	case schema.SignalBuyEntry:
		return []schema.Order{entry(schema.SideBuy)}
	case schema.SignalSellEntry:
		return []schema.Order{entry(schema.SideSell)}
	case schema.SignalExitLong, schema.SignalExitShort:
		pos, ok := e.ledger.Position(sig.Instrument)
		if !ok {
			return nil
		}
		if sig.Action == schema.SignalExitLong && !pos.Quantity.IsPositive() {
			return nil
		}
		if sig.Action == schema.SignalExitShort && !pos.Quantity.IsNegative() {
			return nil
		}
		closeQty := pos.AbsQuantity()
		if sig.Quantity.IsPositive() && sig.Quantity.LessThan(closeQty) {
			closeQty = sig.Quantity
		}
		order := schema.MarketOrder(sig.Instrument, pos.Side().Opposite(), closeQty, ts)
		order.StrategyID = sig.StrategyID
		return []schema.Order{order}
	case schema.SignalExitAll:
		var orders []schema.Order
		for _, pos := range e.ledger.OpenPositions() {
			order := schema.MarketOrder(pos.Instrument, pos.Side().Opposite(), pos.AbsQuantity(), ts)
			order.StrategyID = sig.StrategyID
			orders = append(orders, order)
		}
		return orders
	default:
		return nil
	}
}

// submitGated runs the pre-trade check and, on approval, tracks and
// submits the order with its exposure reserved until a terminal event.
func (e *Engine) submitGated(ctx context.Context, order schema.Order, sig schema.Signal) {
	inst, ok := e.ledger.Instrument(order.Instrument)
	if !ok {
		logs.Warnf("signal for unregistered instrument %s dropped", order.Instrument)
		return
	}
	if reserved := e.inFlight[order.Instrument]; reserved.IsPositive() {
		e.rejectSignal(sig, "in_flight", "order already in flight for "+order.Instrument)
		return
	}

	var posQty decimal.Decimal
	if pos, ok := e.ledger.Position(order.Instrument); ok {
		posQty = pos.Quantity
	}
	octx := risk.OrderContext{
		Instrument:    inst,
		PositionQty:   posQty,
		OtherExposure: e.ledger.TotalExposure().Sub(posQty.Abs()).Add(e.reservedElsewhere(order.Instrument)),
		Account:       e.ledger.Account(),
		Now:           order.CreatedAt,
	}
	decision := e.risk.PreTradeCheck(order, octx)
	if !decision.Approved {
		e.record(schema.RiskEvent{
			Type:      schema.RiskEventRejection,
			OrderID:   order.ID,
			Rule:      decision.Rule,
			Reason:    decision.Reason,
			Timestamp: order.CreatedAt,
		})
		logs.Infof("order %s rejected by %s: %s", order.ID, decision.Rule, decision.Reason)
		return
	}

	e.submit(ctx, order)
}

// submit tracks and sends one order, bypassing the gate. Used by the
// approved path and by forced flattening. Reports whether the broker
// took the order.
func (e *Engine) submit(ctx context.Context, order schema.Order) bool {
	if err := e.ledger.Track(order); err != nil {
		logs.Errorf("track order %s: %v", order.ID, err)
		return false
	}
	e.inFlight[order.Instrument] = e.inFlight[order.Instrument].Add(order.Quantity)
	e.orderIDs[order.ID] = order.Instrument

	ack, err := e.broker.Submit(ctx, order)
	if err != nil {
		logs.Errorf("submit order %s: %v", order.ID, err)
		e.release(order.ID)
		if rerr := e.ledger.ApplyReject(order.ID); rerr != nil {
			logs.Errorf("reject order %s: %v", order.ID, rerr)
		}
		return false
	}
	if !ack.Accepted {
		logs.Infof("order %s not accepted: %s", order.ID, ack.Reason)
	}
	// In serial mode the fill settles now, so the next order placed on
	// this bar sees the post-fill position and exposure.
	if e.serial {
		if err := e.drainBrokerEvents(ctx); err != nil && e.fatal == nil {
			e.fatal = err
		}
	}
	return ack.Accepted
}

func (e *Engine) reservedElsewhere(instrument string) decimal.Decimal {
	total := decimal.Zero
	for symbol, qty := range e.inFlight {
		if symbol != instrument {
			total = total.Add(qty)
		}
	}
	return total
}

func (e *Engine) release(orderID uuid.UUID) {
	symbol, ok := e.orderIDs[orderID]
	if !ok {
		return
	}
	delete(e.orderIDs, orderID)
	order, ok := e.ledger.Order(orderID)
	if !ok {
		return
	}
	reserved := e.inFlight[symbol].Sub(order.Quantity)
	if reserved.IsPositive() {
		e.inFlight[symbol] = reserved
	} else {
		delete(e.inFlight, symbol)
	}
}

func (e *Engine) rejectSignal(sig schema.Signal, rule, reason string) {
	e.record(schema.RiskEvent{
		Type:      schema.RiskEventRejection,
		Rule:      rule,
		Reason:    reason,
		Timestamp: sig.Timestamp,
	})
}

// handleOrderEvent folds a broker order event into the ledger and runs
// the post-trade evaluation. A fill the ledger cannot apply is fatal.
func (e *Engine) handleOrderEvent(ctx context.Context, ev schema.OrderEvent) error {
	e.record(ev)
	switch ev.Type {
	case schema.OrderEventFilled, schema.OrderEventPartiallyFilled:
		if ev.Fill == nil {
			logs.Warnf("fill event for %s without fill payload", ev.OrderID)
			return nil
		}
		if _, err := e.ledger.ApplyFill(*ev.Fill); err != nil {
			if errors.Is(err, ledger.ErrInconsistentState) {
				e.fatal = errors.Wrap(ErrLedgerCorrupt, err.Error())
				return e.fatal
			}
			logs.Warnf("apply fill for %s: %v", ev.OrderID, err)
			return nil
		}
		if ev.Type == schema.OrderEventFilled {
			e.release(ev.OrderID)
		}
		if err := e.ledger.MarkToMarket(ev.Fill.Instrument, ev.Fill.Price, ev.Fill.Timestamp); err != nil {
			logs.Warnf("mark-to-market %s: %v", ev.Fill.Instrument, err)
		}
		e.notifyFill(*ev.Fill)
		e.evaluateRisk(ctx, ev.Fill.Timestamp)
	case schema.OrderEventCancelled:
		e.release(ev.OrderID)
		if err := e.ledger.ApplyCancel(ev.OrderID); err != nil {
			logs.Warnf("apply cancel for %s: %v", ev.OrderID, err)
		}
	case schema.OrderEventRejected:
		e.release(ev.OrderID)
		if err := e.ledger.ApplyReject(ev.OrderID); err != nil {
			logs.Warnf("apply reject for %s: %v", ev.OrderID, err)
		}
	}
	return nil
}

func (e *Engine) notifyFill(fill schema.Fill) {
	order, ok := e.ledger.Order(fill.OrderID)
	for _, s := range e.strategies {
		if ok && order.StrategyID != "" && order.StrategyID != s.ID() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Errorf("strategy %s failed on fill: %v", s.ID(), r)
				}
			}()
			s.OnFill(fill)
		}()
	}
}

// evaluateRisk runs the post-trade check and executes a forced flatten
// unconditionally when requested.
func (e *Engine) evaluateRisk(ctx context.Context, ts time.Time) {
	eval := e.risk.PostTradeEvaluate(e.ledger.Account(), ts)
	for _, v := range eval.Violations {
		e.violations = append(e.violations, v)
		e.record(schema.RiskEvent{
			Type:      schema.RiskEventViolation,
			Rule:      v.Rule,
			Reason:    v.Message,
			Timestamp: ts,
		})
		if v.Severity == risk.SeverityBreach {
			e.halted = true
			if v.Rule != "daily_loss_limit" {
				e.permanentHalt = true
			}
		}
	}
	if eval.ForceFlatten {
		e.record(schema.RiskEvent{
			Type:      schema.RiskEventAutoFlatten,
			Rule:      eval.Rule,
			Reason:    eval.Reason,
			Timestamp: ts,
		})
		logs.Warnf("forced flatten: %s (%s)", eval.Reason, eval.Rule)
		e.forceFlatten(ctx, ts)
	}
}

// forceFlatten cancels every pending order, then market-closes every
// open position. No risk re-evaluation gates this path. In live mode a
// close the broker refuses falls back to the broker-side flatten, so the
// account still goes flat even when tracked orders cannot get through.
func (e *Engine) forceFlatten(ctx context.Context, ts time.Time) {
	for _, order := range e.ledger.PendingOrders() {
		if _, err := e.broker.Cancel(ctx, order.ID); err != nil {
			logs.Errorf("cancel order %s during flatten: %v", order.ID, err)
		}
	}
	refused := false
	for _, pos := range e.ledger.OpenPositions() {
		order := schema.MarketOrder(pos.Instrument, pos.Side().Opposite(), pos.AbsQuantity(), ts)
		order.StrategyID = pos.StrategyID
		if !e.submit(ctx, order) {
			refused = true
		}
	}
	if refused && !e.serial {
		logs.Warnf("flatten orders refused, asking the broker to flatten")
		if err := e.broker.FlattenAll(ctx); err != nil {
			logs.Errorf("broker flatten-all: %v", err)
		}
	}
}

func (e *Engine) startStrategies() {
	for _, s := range e.strategies {
		if err := s.OnStart(); err != nil {
			logs.Errorf("strategy %s start: %v", s.ID(), err)
		}
	}
}

func (e *Engine) stopStrategies() {
	for _, s := range e.strategies {
		if err := s.OnStop(); err != nil {
			logs.Errorf("strategy %s stop: %v", s.ID(), err)
		}
	}
}
