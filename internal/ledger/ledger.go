// Package ledger is the authoritative, single-writer record of trading
// state: orders, positions, closed trades, and the account. All mutation
// goes through Apply* methods; everything else is a read-only snapshot.
package ledger

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

var (
	ErrUnknownOrder      = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already tracked")
	ErrUnknownInstrument = errors.New("instrument not registered")

	// ErrInconsistentState marks ledger corruption (overfill, terminal
	// state transition). Callers must halt the session on it.
	ErrInconsistentState = errors.New("ledger state inconsistency")
)

// Ledger tracks orders, positions, trades, and account cash. Not safe for
// concurrent use; ownership belongs to a single engine task.
type Ledger struct {
	instruments map[string]schema.Instrument
	orders      map[uuid.UUID]*schema.Order
	positions   map[string]*schema.Position
	trades      []schema.Trade

	balance     decimal.Decimal
	realizedPnL decimal.Decimal
	dailyPnL    decimal.Decimal
	lastPrice   map[string]decimal.Decimal
	lastTime    time.Time
}

// New creates a ledger holding only starting cash.
func New(initialBalance decimal.Decimal) *Ledger {
	return &Ledger{
		instruments: make(map[string]schema.Instrument),
		orders:      make(map[uuid.UUID]*schema.Order),
		positions:   make(map[string]*schema.Position),
		balance:     initialBalance,
		lastPrice:   make(map[string]decimal.Decimal),
	}
}

// RegisterInstrument adds an instrument definition. Instruments are
// immutable once registered.
func (l *Ledger) RegisterInstrument(inst schema.Instrument) error {
	if inst.Symbol == "" || inst.TickSize.IsZero() {
		return errors.Errorf("invalid instrument: %+v", inst)
	}
	if _, ok := l.instruments[inst.Symbol]; ok {
		return errors.Errorf("instrument already registered: %s", inst.Symbol)
	}
	l.instruments[inst.Symbol] = inst
	return nil
}

// Instrument looks up a registered instrument.
func (l *Ledger) Instrument(symbol string) (schema.Instrument, bool) {
	inst, ok := l.instruments[symbol]
	return inst, ok
}

// Track registers a risk-approved order in Pending state.
func (l *Ledger) Track(order schema.Order) error {
	if _, ok := l.instruments[order.Instrument]; !ok {
		return errors.Wrap(ErrUnknownInstrument, order.Instrument)
	}
	if _, ok := l.orders[order.ID]; ok {
		return ErrDuplicateOrder
	}
	o := order
	o.Status = schema.OrderStatusPending
	o.FilledQty = decimal.Zero
	l.orders[o.ID] = &o
	return nil
}

// Order returns a copy of a tracked order.
func (l *Ledger) Order(id uuid.UUID) (schema.Order, bool) {
	o, ok := l.orders[id]
	if !ok {
		return schema.Order{}, false
	}
	return *o, true
}

// PendingOrders returns copies of all non-terminal orders, sorted by
// creation time then ID for deterministic iteration.
func (l *Ledger) PendingOrders() []schema.Order {
	out := make([]schema.Order, 0, len(l.orders))
	for _, o := range l.orders {
		if o.Active() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// OpenPositions returns copies of all open positions sorted by symbol.
func (l *Ledger) OpenPositions() []schema.Position {
	out := make([]schema.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Position returns the open position for a symbol, if any.
func (l *Ledger) Position(symbol string) (schema.Position, bool) {
	p, ok := l.positions[symbol]
	if !ok {
		return schema.Position{}, false
	}
	return *p, true
}

// RealizedTrades returns all closed trades in realization order.
func (l *Ledger) RealizedTrades() []schema.Trade {
	out := make([]schema.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// TotalExposure sums the unsigned open quantity across all instruments,
// used by the position-size risk check.
func (l *Ledger) TotalExposure() decimal.Decimal {
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.Quantity.Abs())
	}
	return total
}

// MarkToMarket recomputes unrealized PnL for the instrument's open position
// from the given price. Realized balance is untouched.
func (l *Ledger) MarkToMarket(symbol string, price decimal.Decimal, ts time.Time) error {
	inst, ok := l.instruments[symbol]
	if !ok {
		return errors.Wrap(ErrUnknownInstrument, symbol)
	}
	l.lastPrice[symbol] = price
	if ts.After(l.lastTime) {
		l.lastTime = ts
	}
	pos, ok := l.positions[symbol]
	if !ok {
		return nil
	}
	// Signed quantity folds the side into the PnL sign.
	diff := price.Sub(pos.AvgEntryPrice)
	pos.UnrealizedPnL = diff.Mul(pos.Quantity).Mul(inst.Multiplier())
	return nil
}

// LastPrice returns the latest marked price for a symbol.
func (l *Ledger) LastPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := l.lastPrice[symbol]
	return p, ok
}

// Account derives the current account snapshot. Equity is always
// balance + the sum of unrealized PnL over open positions, and DailyPnL
// counts open positions too: a position marked against the account draws
// down the daily figure before it is ever realized.
func (l *Ledger) Account() schema.AccountState {
	unrealized := decimal.Zero
	margin := decimal.Zero
	for _, p := range l.positions {
		unrealized = unrealized.Add(p.UnrealizedPnL)
		inst := l.instruments[p.Instrument]
		margin = margin.Add(p.Quantity.Abs().Mul(p.AvgEntryPrice).Mul(inst.ContractSize))
	}
	return schema.AccountState{
		Balance:       l.balance,
		Equity:        l.balance.Add(unrealized),
		UnrealizedPnL: unrealized,
		RealizedPnL:   l.realizedPnL,
		DailyPnL:      l.dailyPnL.Add(unrealized),
		MarginUsed:    margin,
		OpenPositions: len(l.positions),
		Timestamp:     l.lastTime,
	}
}

// ResetDailyPnL zeroes the daily PnL counter at the session boundary.
func (l *Ledger) ResetDailyPnL() {
	l.dailyPnL = decimal.Zero
}
