package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SignalAction is what a strategy wants done.
type SignalAction uint8

const (
	SignalUnknown SignalAction = iota
	SignalBuyEntry
	SignalSellEntry
	SignalExitLong
	SignalExitShort
	SignalExitAll
)

func (a SignalAction) String() string {
	switch a {
	case SignalBuyEntry:
		return "buy_entry"
	case SignalSellEntry:
		return "sell_entry"
	case SignalExitLong:
		return "exit_long"
	case SignalExitShort:
		return "exit_short"
	case SignalExitAll:
		return "exit_all"
	default:
		return "unknown"
	}
}

// Signal is a strategy's trade intention. Quantity and Price are zero when
// the strategy leaves them to the engine (market order, default size).
type Signal struct {
	ID         uuid.UUID       `json:"id"`
	Instrument string          `json:"instrument"`
	Action     SignalAction    `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	StrategyID string          `json:"strategy_id"`
	Timestamp  time.Time       `json:"timestamp"`
}
