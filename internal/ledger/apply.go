package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

// ApplyFill applies a fill to its order and the instrument position.
// Same-direction fills average into the position; opposite-direction fills
// realize one or two trades, splitting at the point where the position
// crosses zero. Returns the trades realized by this fill.
//
// An overfill or a fill against a terminal order is ledger corruption and
// returns ErrInconsistentState.
func (l *Ledger) ApplyFill(fill schema.Fill) ([]schema.Trade, error) {
	order, ok := l.orders[fill.OrderID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownOrder, fill.OrderID.String())
	}
	if order.Status.Terminal() {
		return nil, errors.Wrap(ErrInconsistentState, "fill on terminal order "+fill.OrderID.String())
	}
	if !fill.Quantity.IsPositive() {
		return nil, errors.Wrap(ErrInconsistentState, "non-positive fill quantity")
	}
	if fill.Side != order.Side || fill.Instrument != order.Instrument {
		return nil, errors.Wrap(ErrInconsistentState, "fill does not match order")
	}

	filled := order.FilledQty.Add(fill.Quantity)
	if filled.GreaterThan(order.Quantity) {
		return nil, errors.Wrap(ErrInconsistentState, "fill exceeds order quantity")
	}
	order.FilledQty = filled
	order.UpdatedAt = fill.Timestamp
	if filled.Equal(order.Quantity) {
		order.Status = schema.OrderStatusFilled
	} else {
		order.Status = schema.OrderStatusPartiallyFilled
	}

	trades, err := l.applyToPosition(fill, order.StrategyID)
	if err != nil {
		return nil, err
	}
	if ts := fill.Timestamp; ts.After(l.lastTime) {
		l.lastTime = ts
	}
	return trades, nil
}

// ApplyCancel moves a pending order to Cancelled. Cancelling a terminal
// order is invalid.
func (l *Ledger) ApplyCancel(orderID uuid.UUID) error {
	order, ok := l.orders[orderID]
	if !ok {
		return errors.Wrap(ErrUnknownOrder, orderID.String())
	}
	if order.Status.Terminal() {
		return errors.Wrap(ErrInconsistentState, "cancel on terminal order "+orderID.String())
	}
	order.Status = schema.OrderStatusCancelled
	return nil
}

// ApplyReject moves a pending order to Rejected.
func (l *Ledger) ApplyReject(orderID uuid.UUID) error {
	order, ok := l.orders[orderID]
	if !ok {
		return errors.Wrap(ErrUnknownOrder, orderID.String())
	}
	if order.Status.Terminal() {
		return errors.Wrap(ErrInconsistentState, "reject on terminal order "+orderID.String())
	}
	order.Status = schema.OrderStatusRejected
	return nil
}

func (l *Ledger) applyToPosition(fill schema.Fill, strategyID string) ([]schema.Trade, error) {
	inst, ok := l.instruments[fill.Instrument]
	if !ok {
		return nil, errors.Wrap(ErrUnknownInstrument, fill.Instrument)
	}

	pos := l.positions[fill.Instrument]
	signedQty := fill.Quantity.Mul(fill.Side.Sign())

	if pos == nil {
		l.positions[fill.Instrument] = &schema.Position{
			Instrument:    fill.Instrument,
			Quantity:      signedQty,
			AvgEntryPrice: fill.Price,
			OpenedAt:      fill.Timestamp,
			StrategyID:    strategyID,
		}
		l.chargeCommission(fill.Commission)
		return nil, nil
	}

	sameDirection := pos.Quantity.Sign() == signedQty.Sign()
	if sameDirection {
		// Volume-weighted average entry.
		oldAbs := pos.Quantity.Abs()
		newAbs := oldAbs.Add(fill.Quantity)
		cost := pos.AvgEntryPrice.Mul(oldAbs).Add(fill.Price.Mul(fill.Quantity))
		pos.AvgEntryPrice = cost.Div(newAbs)
		pos.Quantity = pos.Quantity.Add(signedQty)
		l.chargeCommission(fill.Commission)
		return nil, nil
	}

	// Opposite direction: close up to the open size, then open the
	// remainder in the new direction if the fill crosses zero.
	closeQty := decimal.Min(fill.Quantity, pos.Quantity.Abs())
	trade := l.realizeTrade(inst, pos, fill, closeQty)
	trades := []schema.Trade{trade}

	remaining := fill.Quantity.Sub(closeQty)
	pos.Quantity = pos.Quantity.Add(closeQty.Mul(fill.Side.Sign()))
	if pos.Quantity.IsZero() {
		// Zero quantity means no position; never retained.
		delete(l.positions, fill.Instrument)
	}
	if remaining.IsPositive() {
		l.positions[fill.Instrument] = &schema.Position{
			Instrument:    fill.Instrument,
			Quantity:      remaining.Mul(fill.Side.Sign()),
			AvgEntryPrice: fill.Price,
			OpenedAt:      fill.Timestamp,
			StrategyID:    strategyID,
		}
	}
	return trades, nil
}

// realizeTrade books the closed portion: gross PnL into balance, the
// closing fill's commission against it.
func (l *Ledger) realizeTrade(inst schema.Instrument, pos *schema.Position, fill schema.Fill, closeQty decimal.Decimal) schema.Trade {
	entrySide := pos.Side()
	diff := fill.Price.Sub(pos.AvgEntryPrice)
	pnl := diff.Mul(closeQty).Mul(inst.Multiplier()).Mul(entrySide.Sign())

	trade := schema.Trade{
		ID:         uuid.New(),
		Instrument: fill.Instrument,
		Side:       entrySide,
		Quantity:   closeQty,
		EntryPrice: pos.AvgEntryPrice,
		ExitPrice:  fill.Price,
		PnL:        pnl,
		Commission: fill.Commission,
		EntryTime:  pos.OpenedAt,
		ExitTime:   fill.Timestamp,
		StrategyID: pos.StrategyID,
	}
	l.trades = append(l.trades, trade)

	l.balance = l.balance.Add(pnl).Sub(fill.Commission)
	l.realizedPnL = l.realizedPnL.Add(pnl)
	l.dailyPnL = l.dailyPnL.Add(pnl).Sub(fill.Commission)
	return trade
}

func (l *Ledger) chargeCommission(commission decimal.Decimal) {
	if commission.IsZero() {
		return
	}
	l.balance = l.balance.Sub(commission)
	l.dailyPnL = l.dailyPnL.Sub(commission)
}
