package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"propdesk/internal/schema"
)

// referencePrice returns the quote a market order would hit next, before
// slippage: bid/ask from the latest tick, otherwise the latest bar close.
func (b *Broker) referencePrice(symbol string, side schema.Side) (decimal.Decimal, bool) {
	if tick, ok := b.lastTick[symbol]; ok {
		if side == schema.SideBuy && tick.Ask.IsPositive() {
			return tick.Ask, true
		}
		if side == schema.SideSell && tick.Bid.IsPositive() {
			return tick.Bid, true
		}
		if tick.Last.IsPositive() {
			return tick.Last, true
		}
	}
	if bar, ok := b.lastBar[symbol]; ok {
		return bar.Close, true
	}
	return decimal.Zero, false
}

// slippage is always adverse: added for buys, subtracted for sells.
func (b *Broker) slippage(inst schema.Instrument, price decimal.Decimal) decimal.Decimal {
	switch b.cfg.Slippage {
	case SlippagePercent:
		raw := price.Mul(b.cfg.SlippagePct).Div(decimal.NewFromInt(100))
		return inst.RoundToTick(raw)
	default:
		return b.cfg.SlippageTicks.Mul(inst.TickSize)
	}
}

func (b *Broker) commission(inst schema.Instrument, price, qty decimal.Decimal) decimal.Decimal {
	switch b.cfg.Commission {
	case CommissionPercent:
		return price.Mul(qty).Mul(inst.ContractSize).Mul(b.cfg.CommissionRate).Div(decimal.NewFromInt(100))
	default:
		return b.cfg.CommissionRate.Mul(qty)
	}
}

// fillMarket executes the full quantity at the next available quote plus
// slippage and emits the fill.
func (b *Broker) fillMarket(order schema.Order, ts time.Time) {
	inst := b.instruments[order.Instrument]
	ref, ok := b.referencePrice(order.Instrument, order.Side)
	if !ok {
		b.emit(schema.OrderEvent{
			Type:      schema.OrderEventRejected,
			OrderID:   order.ID,
			Reason:    "no market data for " + order.Instrument,
			Timestamp: ts,
		})
		return
	}
	slip := b.slippage(inst, ref)
	price := ref.Add(slip)
	if order.Side == schema.SideSell {
		price = ref.Sub(slip)
	}
	b.fillAt(order, inst, price, ts)
}

func (b *Broker) fillAt(order schema.Order, inst schema.Instrument, price decimal.Decimal, ts time.Time) {
	fill := schema.Fill{
		OrderID:    order.ID,
		Instrument: order.Instrument,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		Commission: b.commission(inst, price, order.Quantity),
		Timestamp:  ts,
	}
	b.netQty[order.Instrument] = b.netQty[order.Instrument].Add(order.Quantity.Mul(order.Side.Sign()))
	b.emit(schema.OrderEvent{Type: schema.OrderEventFilled, OrderID: order.ID, Fill: &fill, Timestamp: ts})
}

// processWorking evaluates limit and stop orders against the newest data
// for one instrument. Limit fills use the worst reasonable price: a limit
// buy fills at min(limit, touched price); stops convert to market orders
// with slippage once triggered.
func (b *Broker) processWorking(symbol string, ts time.Time) {
	if len(b.working) == 0 {
		return
	}
	remaining := b.working[:0]
	for _, order := range b.working {
		if order.Instrument != symbol {
			remaining = append(remaining, order)
			continue
		}
		filled := false
		switch order.Type {
		case schema.OrderTypeLimit:
			filled = b.tryFillLimit(order, ts)
		case schema.OrderTypeStop:
			filled = b.tryFillStop(order, ts)
		}
		if !filled {
			remaining = append(remaining, order)
		}
	}
	b.working = remaining
}

func (b *Broker) tryFillLimit(order schema.Order, ts time.Time) bool {
	inst := b.instruments[order.Instrument]
	limit := order.LimitPrice

	if tick, ok := b.lastTick[order.Instrument]; ok && tick.Timestamp.Equal(ts) {
		if order.Side == schema.SideBuy && tick.Ask.IsPositive() && tick.Ask.LessThanOrEqual(limit) {
			b.fillAt(order, inst, decimal.Min(limit, tick.Ask), ts)
			return true
		}
		if order.Side == schema.SideSell && tick.Bid.IsPositive() && tick.Bid.GreaterThanOrEqual(limit) {
			b.fillAt(order, inst, decimal.Max(limit, tick.Bid), ts)
			return true
		}
		return false
	}

	bar, ok := b.lastBar[order.Instrument]
	if !ok {
		return false
	}
	if order.Side == schema.SideBuy && bar.Low.LessThanOrEqual(limit) {
		b.fillAt(order, inst, decimal.Min(limit, bar.Open), ts)
		return true
	}
	if order.Side == schema.SideSell && bar.High.GreaterThanOrEqual(limit) {
		b.fillAt(order, inst, decimal.Max(limit, bar.Open), ts)
		return true
	}
	return false
}

func (b *Broker) tryFillStop(order schema.Order, ts time.Time) bool {
	stop := order.StopPrice
	triggered := false

	if tick, ok := b.lastTick[order.Instrument]; ok && tick.Timestamp.Equal(ts) {
		last := tick.Last
		if !last.IsPositive() {
			last = tick.Mid()
		}
		if order.Side == schema.SideBuy {
			triggered = last.GreaterThanOrEqual(stop)
		} else {
			triggered = last.LessThanOrEqual(stop)
		}
	} else if bar, ok := b.lastBar[order.Instrument]; ok {
		if order.Side == schema.SideBuy {
			triggered = bar.High.GreaterThanOrEqual(stop)
		} else {
			triggered = bar.Low.LessThanOrEqual(stop)
		}
	}
	if !triggered {
		return false
	}
	// Once triggered the stop is a market order.
	b.fillMarket(order, ts)
	return true
}

func (b *Broker) emit(e schema.Event) {
	// The engine drains the stream after every call in backtest mode, so
	// a sized buffer never blocks a serial run.
	b.events <- e
}
