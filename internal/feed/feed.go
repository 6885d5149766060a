// Package feed provides the historical market data sources a backtest
// replays. Events come out one at a time, in stored order, and the
// consumer fully processes each before asking for the next.
package feed

import (
	"io"
	"time"

	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

var ErrOutOfOrder = errors.New("market data out of order")

// HistoricalSource replays recorded market data. Next returns io.EOF
// when the data is exhausted.
type HistoricalSource interface {
	Next() (schema.MarketDataEvent, error)
}

// BarSource replays a fixed slice of bars. Timestamps must be
// non-decreasing per instrument; a regression is corrupt data, not
// something to reorder silently.
type BarSource struct {
	bars []schema.Bar
	idx  int
	last map[string]time.Time
}

// NewBarSource creates a source over the given bars.
func NewBarSource(bars []schema.Bar) *BarSource {
	return &BarSource{bars: bars, last: make(map[string]time.Time)}
}

func (s *BarSource) Next() (schema.MarketDataEvent, error) {
	if s.idx >= len(s.bars) {
		return schema.MarketDataEvent{}, io.EOF
	}
	bar := s.bars[s.idx]
	s.idx++
	if prev, ok := s.last[bar.Instrument]; ok && bar.Timestamp.Before(prev) {
		return schema.MarketDataEvent{}, errors.Wrap(ErrOutOfOrder,
			bar.Instrument+" at "+bar.Timestamp.Format(time.RFC3339))
	}
	s.last[bar.Instrument] = bar.Timestamp
	return schema.MarketDataEvent{Bar: &bar}, nil
}

// TickSource replays a fixed slice of ticks with the same ordering rule
// as BarSource.
type TickSource struct {
	ticks []schema.Tick
	idx   int
	last  map[string]time.Time
}

// NewTickSource creates a source over the given ticks.
func NewTickSource(ticks []schema.Tick) *TickSource {
	return &TickSource{ticks: ticks, last: make(map[string]time.Time)}
}

func (s *TickSource) Next() (schema.MarketDataEvent, error) {
	if s.idx >= len(s.ticks) {
		return schema.MarketDataEvent{}, io.EOF
	}
	tick := s.ticks[s.idx]
	s.idx++
	if prev, ok := s.last[tick.Instrument]; ok && tick.Timestamp.Before(prev) {
		return schema.MarketDataEvent{}, errors.Wrap(ErrOutOfOrder,
			tick.Instrument+" at "+tick.Timestamp.Format(time.RFC3339))
	}
	s.last[tick.Instrument] = tick.Timestamp
	return schema.MarketDataEvent{Tick: &tick}, nil
}
