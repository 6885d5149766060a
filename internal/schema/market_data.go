package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe identifies the bar aggregation period.
type Timeframe string

const (
	TimeframeTick   Timeframe = "tick"
	Timeframe1Min   Timeframe = "1min"
	Timeframe5Min   Timeframe = "5min"
	Timeframe15Min  Timeframe = "15min"
	Timeframe1Hour  Timeframe = "1h"
	TimeframeDaily  Timeframe = "daily"
	TimeframeWeekly Timeframe = "weekly"
)

// Bar is a single OHLCV candle. Immutable; bars for one instrument arrive in
// non-decreasing timestamp order.
type Bar struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// Tick is a single quote/trade update. Immutable, same ordering contract
// as Bar.
type Tick struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Volume     decimal.Decimal `json:"volume"`
}

// Mid returns the quote midpoint, falling back to the last trade when one
// side is missing.
func (t Tick) Mid() decimal.Decimal {
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Last
}
