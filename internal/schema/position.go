package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Position is an open net holding in one instrument. Quantity is signed:
// positive long, negative short. A zero-quantity position is removed, never
// retained.
type Position struct {
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenedAt      time.Time       `json:"opened_at"`
	StrategyID    string          `json:"strategy_id"`
}

// Side derives the direction from the signed quantity.
func (p Position) Side() Side {
	if p.Quantity.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// AbsQuantity returns the unsigned position size.
func (p Position) AbsQuantity() decimal.Decimal {
	return p.Quantity.Abs()
}

// Trade is a closed position record. PnL is gross price PnL; commission is
// tracked separately and never folded into unrealized PnL.
type Trade struct {
	ID         uuid.UUID       `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	PnL        decimal.Decimal `json:"pnl"`
	Commission decimal.Decimal `json:"commission"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	StrategyID string          `json:"strategy_id"`
}

// NetPnL returns realized PnL after commission.
func (t Trade) NetPnL() decimal.Decimal {
	return t.PnL.Sub(t.Commission)
}

// AccountState is a snapshot of the trading account. DailyPnL is the
// session's realized plus unrealized PnL.
type AccountState struct {
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
	OpenPositions int             `json:"open_positions"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewAccountState returns an account holding only starting cash.
func NewAccountState(balance decimal.Decimal) AccountState {
	return AccountState{
		Balance: balance,
		Equity:  balance,
	}
}
