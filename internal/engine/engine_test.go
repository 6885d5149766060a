package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propdesk/internal/broker"
	"propdesk/internal/broker/sim"
	"propdesk/internal/feed"
	"propdesk/internal/risk"
	"propdesk/internal/schema"
	"propdesk/internal/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func es() schema.Instrument {
	return schema.Instrument{
		Symbol:       "ES",
		TickSize:     d("0.25"),
		TickValue:    d("12.50"),
		ContractSize: decimal.NewFromInt(50),
	}
}

func bar(close string, ts time.Time) schema.Bar {
	c := d(close)
	tick := d("0.25")
	return schema.Bar{
		Instrument: "ES",
		Timestamp:  ts,
		Open:       c,
		High:       c.Add(tick),
		Low:        c.Sub(tick),
		Close:      c,
		Volume:     decimal.NewFromInt(100),
	}
}

func openProfile() risk.Profile {
	return risk.Profile{Name: "open", InitialBalance: decimal.NewFromInt(50_000)}
}

// scripted emits a planned signal sequence keyed by bar count.
type scripted struct {
	strategy.Base
	plan  func(n int, bar schema.Bar) []schema.Signal
	bars  int
	fills []schema.Fill
}

func (s *scripted) OnBar(b schema.Bar) []schema.Signal {
	s.bars++
	if s.plan == nil {
		return nil
	}
	return s.plan(s.bars, b)
}

func (s *scripted) OnFill(f schema.Fill) { s.fills = append(s.fills, f) }

func signalAt(action schema.SignalAction, qty string, b schema.Bar, strategyID string) schema.Signal {
	return schema.Signal{
		Instrument: "ES",
		Action:     action,
		Quantity:   d(qty),
		StrategyID: strategyID,
		Timestamp:  b.Timestamp,
	}
}

type captureSink struct {
	events []schema.Event
}

func (c *captureSink) Record(e schema.Event) error {
	c.events = append(c.events, e)
	return nil
}

func newBacktestEngine(t *testing.T, profile risk.Profile, strategies []strategy.Strategy, opts ...Option) *Engine {
	t.Helper()
	rm, err := risk.NewManager(profile)
	require.NoError(t, err)
	b, err := sim.New(sim.DefaultConfig(), es())
	require.NoError(t, err)
	e, err := New(Config{InitialBalance: profile.InitialBalance}, rm, b, strategies, opts...)
	require.NoError(t, err)
	require.NoError(t, e.RegisterInstrument(es()))
	return e
}

func flatBars(closes []string, start time.Time) []schema.Bar {
	out := make([]schema.Bar, len(closes))
	for i, c := range closes {
		out[i] = bar(c, start.Add(time.Duration(i)*time.Minute))
	}
	return out
}

func TestBacktestRoundTrip(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		switch n {
		case 1:
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		case 3:
			return []schema.Signal{signalAt(schema.SignalExitLong, "1", b, strat.ID())}
		}
		return nil
	}

	e := newBacktestEngine(t, openProfile(), []strategy.Strategy{strat})
	source := feed.NewBarSource(flatBars([]string{"5000", "5000", "5000"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	require.Equal(t, 1, res.TotalTrades)
	// Entry 5000.25, exit 4999.75: half a point against us, 50/point,
	// plus 4 commission on each side.
	assert.True(t, res.Trades[0].PnL.Equal(d("-25")), "pnl %s", res.Trades[0].PnL)
	assert.True(t, res.FinalEquity.Equal(d("49967")), "final equity %s", res.FinalEquity)
	assert.Len(t, res.EquityCurve, 3)
	assert.Equal(t, start, res.Start)
	assert.Equal(t, start.Add(2*time.Minute), res.End)

	require.Len(t, strat.fills, 2, "strategy must see its own fills")
	assert.Equal(t, schema.SideBuy, strat.fills[0].Side)
	assert.Equal(t, schema.SideSell, strat.fills[1].Side)

	assert.Empty(t, e.Ledger().OpenPositions())
}

func TestReverseInOneBar(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		switch n {
		case 1:
			return []schema.Signal{signalAt(schema.SignalSellEntry, "1", b, strat.ID())}
		case 2:
			// Exit and re-enter on the same bar, the crossover pattern.
			return []schema.Signal{
				signalAt(schema.SignalExitShort, "1", b, strat.ID()),
				signalAt(schema.SignalBuyEntry, "1", b, strat.ID()),
			}
		}
		return nil
	}

	e := newBacktestEngine(t, openProfile(), []strategy.Strategy{strat})
	source := feed.NewBarSource(flatBars([]string{"5000", "5000", "5000"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	// The short closed as a trade, the long was flattened at the end.
	assert.Equal(t, 2, res.TotalTrades)
	assert.Empty(t, e.Ledger().OpenPositions())
}

func TestRiskGateRejectsOversizedOrder(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		if n == 1 {
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "10", b, strat.ID())}
		}
		return nil
	}

	sink := &captureSink{}
	e := newBacktestEngine(t, risk.TopStep50K(), []strategy.Strategy{strat}, WithSink(sink))
	source := feed.NewBarSource(flatBars([]string{"5000", "5000"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	assert.Zero(t, res.TotalTrades)
	assert.Empty(t, e.Ledger().OpenPositions())

	var rejected *schema.RiskEvent
	for _, ev := range sink.events {
		if re, ok := ev.(schema.RiskEvent); ok && re.Type == schema.RiskEventRejection {
			rejected = &re
			break
		}
	}
	require.NotNil(t, rejected, "rejection must be journaled")
	assert.Equal(t, "max_position_size", rejected.Rule)
}

func TestDailyLossBreachFlattensAndHalts(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		switch n {
		case 1:
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		case 2:
			return []schema.Signal{signalAt(schema.SignalExitLong, "1", b, strat.ID())}
		case 3:
			// After the breach this entry must be refused.
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		}
		return nil
	}

	profile := openProfile()
	profile.DailyLossLimit = d("100")
	profile.AutoFlattenThreshold = d("0.9")

	sink := &captureSink{}
	e := newBacktestEngine(t, profile, []strategy.Strategy{strat}, WithSink(sink))
	// Ten points down between entry and exit loses well over the limit.
	source := feed.NewBarSource(flatBars([]string{"5000", "4990", "4990"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TotalTrades)
	assert.Empty(t, e.Ledger().OpenPositions(), "no re-entry after the halt")

	breached := false
	for _, v := range res.Violations {
		if v.Rule == "daily_loss_limit" && v.Severity == risk.SeverityBreach {
			breached = true
		}
	}
	assert.True(t, breached, "violations: %+v", res.Violations)

	halted := false
	for _, ev := range sink.events {
		if re, ok := ev.(schema.RiskEvent); ok && re.Type == schema.RiskEventRejection && re.Rule == "halted" {
			halted = true
		}
	}
	assert.True(t, halted, "the bar-3 entry must be rejected by the halt")
}

func TestDailyHaltLiftsAtNextSession(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		switch n {
		case 1, 3:
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		}
		return nil
	}

	profile := openProfile()
	profile.DailyLossLimit = d("100")
	profile.AutoFlattenThreshold = d("0.9")

	sink := &captureSink{}
	e := newBacktestEngine(t, profile, []strategy.Strategy{strat}, WithSink(sink))
	source := feed.NewBarSource([]schema.Bar{
		bar("5000", start),
		bar("4990", start.Add(time.Minute)),
		// Next session: the daily breach must not keep blocking entries.
		bar("4990", start.Add(24*time.Hour)),
	})
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	// Day one's forced close plus day two's end-of-run close.
	assert.Equal(t, 2, res.TotalTrades)
	for _, ev := range sink.events {
		if re, ok := ev.(schema.RiskEvent); ok && re.Type == schema.RiskEventRejection {
			assert.NotEqual(t, "halted", re.Rule, "day-two entry must clear the halt: %+v", re)
		}
	}
}

func TestDrawdownHaltPersistsAcrossSessions(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		switch n {
		case 1, 3:
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		}
		return nil
	}

	profile := openProfile()
	profile.MaxDrawdown = d("400")

	sink := &captureSink{}
	e := newBacktestEngine(t, profile, []strategy.Strategy{strat}, WithSink(sink))
	source := feed.NewBarSource([]schema.Bar{
		bar("5000", start),
		bar("4990", start.Add(time.Minute)),
		bar("4990", start.Add(24*time.Hour)),
	})
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TotalTrades, "the drawdown breach is permanent")
	halted := false
	for _, ev := range sink.events {
		if re, ok := ev.(schema.RiskEvent); ok && re.Type == schema.RiskEventRejection && re.Rule == "halted" {
			halted = true
		}
	}
	assert.True(t, halted, "day-two entry must stay refused")
}

func TestUnrealizedLossTriggersAutoFlatten(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		if n == 1 {
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		}
		return nil
	}

	profile := openProfile()
	profile.DailyLossLimit = d("1000")
	profile.AutoFlattenThreshold = d("0.9")

	sink := &captureSink{}
	e := newBacktestEngine(t, profile, []strategy.Strategy{strat}, WithSink(sink))
	// Entry fills at 5000.25. The bar-2 markdown to 4982.25 is an 18-point
	// open loss (904 with commission): past 90% of the limit while still
	// unrealized, so the position must be closed without waiting for a
	// realizing fill.
	source := feed.NewBarSource(flatBars([]string{"5000", "4982.25"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	assert.Empty(t, e.Ledger().OpenPositions())
	require.Equal(t, 1, res.TotalTrades)
	assert.True(t, res.Trades[0].PnL.Equal(d("-912.5")), "pnl %s", res.Trades[0].PnL)

	flattened := false
	for _, ev := range sink.events {
		if re, ok := ev.(schema.RiskEvent); ok && re.Type == schema.RiskEventAutoFlatten && re.Rule == "daily_loss_limit" {
			flattened = true
		}
	}
	assert.True(t, flattened, "auto-flatten must fire on the open loss")

	for _, v := range res.Violations {
		assert.NotEqual(t, risk.SeverityBreach, v.Severity, "loss stayed inside the limit: %+v", v)
	}
}

func TestAutoFlattenClosesOpenPosition(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		if n == 1 {
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, strat.ID())}
		}
		return nil
	}

	profile := openProfile()
	profile.MaxDrawdown = d("400")
	profile.AutoFlattenThreshold = d("0.9")

	sink := &captureSink{}
	e := newBacktestEngine(t, profile, []strategy.Strategy{strat}, WithSink(sink))
	// The long bleeds ~12.5 a tick; ten points down is 500, past the limit.
	source := feed.NewBarSource(flatBars([]string{"5000", "4998", "4990", "4990"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	assert.Empty(t, e.Ledger().OpenPositions(), "the losing long must be force-closed")
	require.Equal(t, 1, res.TotalTrades, "the forced close realizes the loss")

	flattened := false
	for _, ev := range sink.events {
		if re, ok := ev.(schema.RiskEvent); ok && re.Type == schema.RiskEventAutoFlatten {
			flattened = true
		}
	}
	assert.True(t, flattened)
}

func TestStrategyPanicIsContained(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	angry := &scripted{Base: strategy.Base{StrategyID: "angry"}}
	angry.plan = func(n int, b schema.Bar) []schema.Signal {
		panic("boom")
	}
	calm := &scripted{Base: strategy.Base{StrategyID: "calm"}}
	calm.plan = func(n int, b schema.Bar) []schema.Signal {
		if n == 1 {
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "1", b, calm.ID())}
		}
		return nil
	}

	e := newBacktestEngine(t, openProfile(), []strategy.Strategy{angry, calm})
	source := feed.NewBarSource(flatBars([]string{"5000", "5000", "5000"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err, "a panicking strategy must not halt the run")

	assert.Len(t, res.EquityCurve, 3)
	assert.Equal(t, 1, res.TotalTrades, "the calm strategy still trades")
}

func TestExitAllClosesEveryPosition(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		switch n {
		case 1:
			return []schema.Signal{signalAt(schema.SignalBuyEntry, "2", b, strat.ID())}
		case 2:
			return []schema.Signal{{
				Instrument: "ES",
				Action:     schema.SignalExitAll,
				StrategyID: strat.ID(),
				Timestamp:  b.Timestamp,
			}}
		}
		return nil
	}

	e := newBacktestEngine(t, openProfile(), []strategy.Strategy{strat})
	source := feed.NewBarSource(flatBars([]string{"5000", "5001", "5001"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)

	assert.Equal(t, 1, res.TotalTrades)
	assert.Empty(t, e.Ledger().OpenPositions())
	assert.True(t, res.Trades[0].Quantity.Equal(d("2")))
}

func TestExitWithoutPositionIsNoOp(t *testing.T) {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	strat.plan = func(n int, b schema.Bar) []schema.Signal {
		return []schema.Signal{signalAt(schema.SignalExitLong, "1", b, strat.ID())}
	}

	e := newBacktestEngine(t, openProfile(), []strategy.Strategy{strat})
	source := feed.NewBarSource(flatBars([]string{"5000", "5000"}, start))
	res, err := e.Backtest(context.Background(), source)
	require.NoError(t, err)
	assert.Zero(t, res.TotalTrades)
}

func TestBacktestDeterminism(t *testing.T) {
	run := func() *EngineResult {
		crossover, err := strategy.NewMACrossover(strategy.MACrossoverConfig{
			Instrument: "ES",
			FastPeriod: 3,
			SlowPeriod: 7,
			Quantity:   decimal.NewFromInt(1),
		})
		require.NoError(t, err)

		e := newBacktestEngine(t, openProfile(), []strategy.Strategy{crossover})
		gen, err := feed.NewGenerator(
			[]schema.Instrument{es()},
			d("5000"),
			time.Minute,
			time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC),
			300,
			42,
		)
		require.NoError(t, err)
		res, err := e.Backtest(context.Background(), gen)
		require.NoError(t, err)
		return res
	}

	first := run()
	second := run()

	assert.True(t, first.FinalEquity.Equal(second.FinalEquity),
		"equity %s vs %s", first.FinalEquity, second.FinalEquity)
	assert.Equal(t, first.TotalTrades, second.TotalTrades)
	assert.True(t, first.NetProfit.Equal(second.NetProfit))
	require.Equal(t, len(first.EquityCurve), len(second.EquityCurve))
	for i := range first.EquityCurve {
		require.Truef(t, first.EquityCurve[i].Equity.Equal(second.EquityCurve[i].Equity),
			"equity curve diverges at %d", i)
	}
	require.Equal(t, len(first.Trades), len(second.Trades))
	for i := range first.Trades {
		assert.True(t, first.Trades[i].PnL.Equal(second.Trades[i].PnL))
		assert.True(t, first.Trades[i].EntryPrice.Equal(second.Trades[i].EntryPrice))
	}
}

func TestBacktestNeedsReplayableBroker(t *testing.T) {
	rm, err := risk.NewManager(openProfile())
	require.NoError(t, err)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	e, err := New(Config{InitialBalance: d("50000")}, rm, nonReplayable{}, []strategy.Strategy{strat})
	require.NoError(t, err)

	_, err = e.Backtest(context.Background(), feed.NewBarSource(nil))
	assert.ErrorIs(t, err, ErrNotReplayable)
}

func TestEngineNeedsStrategies(t *testing.T) {
	rm, err := risk.NewManager(openProfile())
	require.NoError(t, err)
	b, err := sim.New(sim.DefaultConfig(), es())
	require.NoError(t, err)
	_, err = New(Config{InitialBalance: d("50000")}, rm, b, nil)
	assert.ErrorIs(t, err, ErrNoStrategies)
}

// nonReplayable satisfies the broker contract but cannot accept replayed
// data.
type nonReplayable struct{}

func (nonReplayable) Connect(context.Context) error { return nil }
func (nonReplayable) Close(context.Context) error   { return nil }
func (nonReplayable) Connected() bool               { return true }
func (nonReplayable) Events() <-chan schema.Event   { return nil }
func (nonReplayable) Submit(context.Context, schema.Order) (schema.OrderAck, error) {
	return schema.OrderAck{}, nil
}
func (nonReplayable) Cancel(context.Context, uuid.UUID) (schema.CancelAck, error) {
	return schema.CancelAck{}, nil
}
func (nonReplayable) FlattenAll(context.Context) error { return nil }

// refusingBroker takes no orders, so a flatten has to go broker-side.
type refusingBroker struct {
	nonReplayable
	flattened bool
}

func (b *refusingBroker) Submit(context.Context, schema.Order) (schema.OrderAck, error) {
	return schema.OrderAck{}, broker.ErrDisconnected
}

func (b *refusingBroker) FlattenAll(context.Context) error {
	b.flattened = true
	return nil
}

func TestForceFlattenFallsBackToBrokerFlatten(t *testing.T) {
	rm, err := risk.NewManager(openProfile())
	require.NoError(t, err)
	strat := &scripted{Base: strategy.Base{StrategyID: "scripted"}}
	b := &refusingBroker{}
	e, err := New(Config{InitialBalance: decimal.NewFromInt(50_000)}, rm, b, []strategy.Strategy{strat})
	require.NoError(t, err)
	require.NoError(t, e.RegisterInstrument(es()))

	ts := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	order := schema.MarketOrder("ES", schema.SideBuy, d("1"), ts)
	require.NoError(t, e.Ledger().Track(order))
	_, err = e.Ledger().ApplyFill(schema.Fill{
		OrderID:    order.ID,
		Instrument: "ES",
		Side:       schema.SideBuy,
		Quantity:   d("1"),
		Price:      d("5000"),
		Timestamp:  ts,
	})
	require.NoError(t, err)

	e.forceFlatten(context.Background(), ts.Add(time.Minute))
	assert.True(t, b.flattened, "the refused close must be handed to the broker")
}
