package feed

import (
	"io"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

// Generator produces a deterministic synthetic bar stream: same seed,
// same bars, every run. Useful for smoke backtests and determinism
// checks when no recorded data is at hand.
type Generator struct {
	instruments []schema.Instrument
	interval    time.Duration
	start       time.Time
	total       int

	state  uint64
	step   int
	prices map[string]decimal.Decimal
}

// NewGenerator creates a bar generator over the given instruments. Bars
// are emitted round-robin across instruments, total bars in all.
func NewGenerator(instruments []schema.Instrument, basePrice decimal.Decimal, interval time.Duration, start time.Time, total int, seed uint64) (*Generator, error) {
	if len(instruments) == 0 {
		return nil, errors.New("generator needs at least one instrument")
	}
	if !basePrice.IsPositive() {
		return nil, errors.New("base price must be > 0")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if seed == 0 {
		seed = 1
	}
	prices := make(map[string]decimal.Decimal, len(instruments))
	for _, inst := range instruments {
		prices[inst.Symbol] = inst.RoundToTick(basePrice)
	}
	return &Generator{
		instruments: instruments,
		interval:    interval,
		start:       start,
		total:       total,
		state:       seed,
		prices:      prices,
	}, nil
}

// next is a plain LCG; quality does not matter, reproducibility does.
func (g *Generator) next() uint64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return g.state
}

func (g *Generator) Next() (schema.MarketDataEvent, error) {
	if g.step >= g.total {
		return schema.MarketDataEvent{}, io.EOF
	}
	inst := g.instruments[g.step%len(g.instruments)]
	ts := g.start.Add(time.Duration(g.step/len(g.instruments)) * g.interval)
	g.step++

	open := g.prices[inst.Symbol]
	moveTicks := int64(g.next()%7) - 3
	wickTicks := int64(g.next()%3) + 1
	volume := int64(g.next()%900) + 100

	tick := inst.TickSize
	closePx := open.Add(tick.Mul(decimal.NewFromInt(moveTicks)))
	if !closePx.IsPositive() {
		closePx = open
	}
	high := decimal.Max(open, closePx).Add(tick.Mul(decimal.NewFromInt(wickTicks)))
	low := decimal.Min(open, closePx).Sub(tick.Mul(decimal.NewFromInt(wickTicks)))
	if !low.IsPositive() {
		low = decimal.Min(open, closePx)
	}
	g.prices[inst.Symbol] = closePx

	bar := schema.Bar{
		Instrument: inst.Symbol,
		Timestamp:  ts,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     decimal.NewFromInt(volume),
	}
	return schema.MarketDataEvent{Bar: &bar}, nil
}
