package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propdesk/internal/schema"
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

func newManager(t *testing.T, p Profile, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(p, opts...)
	require.NoError(t, err)
	return m
}

func account(equity, dailyPnL string) schema.AccountState {
	return schema.AccountState{
		Balance:  d(equity),
		Equity:   d(equity),
		DailyPnL: d(dailyPnL),
	}
}

func orderCtx(acct schema.AccountState, posQty string, now time.Time) OrderContext {
	return OrderContext{
		Instrument:  es(),
		PositionQty: d(posQty),
		Account:     acct,
		Now:         now,
	}
}

func marketBuy(qty string) schema.Order {
	return schema.MarketOrder("ES", schema.SideBuy, d(qty), time.Now())
}

func TestProfileValidate(t *testing.T) {
	assert.NoError(t, TopStep50K().Validate())
	assert.NoError(t, MFFU100K().Validate())

	bad := TopStep50K()
	bad.AutoFlattenThreshold = d("1.5")
	assert.Error(t, bad.Validate())

	bad = MFFU100K()
	bad.ConsistencyMaxPct = decimal.Zero
	assert.Error(t, bad.Validate())
}

func TestBuiltinProfileLookup(t *testing.T) {
	for _, name := range []string{"topstep-50k", "topstep-100k", "topstep-150k", "mffu-100k", "fundingpips-100k"} {
		p, ok := BuiltinProfile(name)
		require.Truef(t, ok, "profile %s", name)
		assert.NoError(t, p.Validate())
	}
	_, ok := BuiltinProfile("ftmo-10k")
	assert.False(t, ok)
}

func TestParseClock(t *testing.T) {
	ct, err := ParseClock("13:30")
	require.NoError(t, err)
	assert.True(t, ct.Valid)
	assert.Equal(t, 13*60+30, ct.Minutes)

	ct, err = ParseClock("")
	require.NoError(t, err)
	assert.False(t, ct.Valid)

	_, err = ParseClock("25:99")
	assert.Error(t, err)
}

func TestTradingHoursWindow(t *testing.T) {
	p := TopStep50K()
	var err error
	p.TradingStart, err = ParseClock("13:30")
	require.NoError(t, err)
	p.TradingEnd, err = ParseClock("20:00")
	require.NoError(t, err)
	m := newManager(t, p)

	acct := account("50000", "0")
	early := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	dec := m.PreTradeCheck(marketBuy("1"), orderCtx(acct, "0", early))
	require.False(t, dec.Approved)
	assert.Equal(t, "trading_hours", dec.Rule)

	open := time.Date(2025, 3, 3, 14, 0, 0, 0, time.UTC)
	dec = m.PreTradeCheck(marketBuy("1"), orderCtx(acct, "0", open))
	assert.True(t, dec.Approved)
}

func TestTradingHoursWrapMidnight(t *testing.T) {
	p := TopStep50K()
	var err error
	p.TradingStart, err = ParseClock("22:00")
	require.NoError(t, err)
	p.TradingEnd, err = ParseClock("02:00")
	require.NoError(t, err)
	m := newManager(t, p)

	acct := account("50000", "0")
	inside := time.Date(2025, 3, 3, 23, 15, 0, 0, time.UTC)
	assert.True(t, m.PreTradeCheck(marketBuy("1"), orderCtx(acct, "0", inside)).Approved)

	alsoInside := time.Date(2025, 3, 4, 1, 0, 0, 0, time.UTC)
	assert.True(t, m.PreTradeCheck(marketBuy("1"), orderCtx(acct, "0", alsoInside)).Approved)

	outside := time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)
	dec := m.PreTradeCheck(marketBuy("1"), orderCtx(acct, "0", outside))
	require.False(t, dec.Approved)
	assert.Equal(t, "trading_hours", dec.Rule)
}

func TestMaxPositionSizeUsesProjectedExposure(t *testing.T) {
	m := newManager(t, TopStep50K())
	acct := account("50000", "0")

	// Long 4 plus 2 more projects to 6 against a limit of 5.
	dec := m.PreTradeCheck(marketBuy("2"), orderCtx(acct, "4", time.Now()))
	require.False(t, dec.Approved)
	assert.Equal(t, "max_position_size", dec.Rule)

	// Long 4 selling 2 projects down to 2 and passes.
	sell := schema.MarketOrder("ES", schema.SideSell, d("2"), time.Now())
	assert.True(t, m.PreTradeCheck(sell, orderCtx(acct, "4", time.Now())).Approved)
}

func TestMaxPositionSizeCountsOtherExposure(t *testing.T) {
	m := newManager(t, TopStep50K())
	ctx := orderCtx(account("50000", "0"), "0", time.Now())
	ctx.OtherExposure = d("5")
	dec := m.PreTradeCheck(marketBuy("1"), ctx)
	require.False(t, dec.Approved)
	assert.Equal(t, "max_position_size", dec.Rule)
}

func TestDailyLossLimitProjectsAdverseCost(t *testing.T) {
	// One tick adverse on one ES contract is 12.50.
	m := newManager(t, TopStep50K())
	now := time.Now()

	dec := m.PreTradeCheck(marketBuy("1"), orderCtx(account("49013", "-987.50"), "0", now))
	require.False(t, dec.Approved)
	assert.Equal(t, "daily_loss_limit", dec.Rule)

	dec = m.PreTradeCheck(marketBuy("1"), orderCtx(account("49014", "-987.25"), "0", now))
	assert.True(t, dec.Approved)
}

func TestTrailingDrawdownBoundary(t *testing.T) {
	m := newManager(t, TopStep50K(), WithAdverseSlippageTicks(decimal.Zero))
	now := time.Now()
	m.Observe(account("52000", "0"), now)
	require.True(t, m.State().HighWaterMark.Equal(d("52000")))

	// Drawdown of exactly the 2000 limit is not yet a breach.
	eval := m.PostTradeEvaluate(account("50000", "0"), now)
	for _, v := range eval.Violations {
		assert.NotEqual(t, SeverityBreach, v.Severity, "exact limit must not breach: %s", v.Message)
	}

	// One dollar beyond the limit is.
	eval = m.PostTradeEvaluate(account("49999", "0"), now)
	require.NotEmpty(t, eval.Violations)
	assert.True(t, eval.ForceFlatten)
	breached := false
	for _, v := range eval.Violations {
		if v.Rule == "max_drawdown" && v.Severity == SeverityBreach {
			breached = true
		}
	}
	assert.True(t, breached)
}

func TestDrawdownAutoFlattenThreshold(t *testing.T) {
	m := newManager(t, TopStep50K())
	now := time.Now()
	m.Observe(account("52000", "0"), now)

	// 90% of the 2000 limit is 1800: equity 50200 triggers the flatten.
	eval := m.PostTradeEvaluate(account("50200", "0"), now)
	assert.True(t, eval.ForceFlatten)
	assert.Equal(t, "max_drawdown", eval.Rule)

	eval = m.PostTradeEvaluate(account("50300", "0"), now)
	assert.False(t, eval.ForceFlatten)
}

func TestFixedDrawdownIgnoresHighWaterMark(t *testing.T) {
	m := newManager(t, FundingPips100K())
	now := time.Now()
	m.Observe(account("110000", "0"), now)

	// 8000 below the fixed 100k start, not below the 110k peak.
	eval := m.PostTradeEvaluate(account("93000", "0"), now)
	assert.False(t, eval.ForceFlatten, "drawdown from peak must not count for a fixed basis")

	eval = m.PostTradeEvaluate(account("91999", "0"), now)
	assert.True(t, eval.ForceFlatten)
}

func TestDailyLossBreachAndThreshold(t *testing.T) {
	m := newManager(t, TopStep50K())
	now := time.Now()

	eval := m.PostTradeEvaluate(account("49000", "-1000"), now)
	require.True(t, eval.ForceFlatten)
	require.NotEmpty(t, eval.Violations)
	assert.Equal(t, SeverityBreach, eval.Violations[0].Severity)

	eval = m.PostTradeEvaluate(account("49100", "-900"), now)
	require.True(t, eval.ForceFlatten)
	assert.Equal(t, SeverityWarning, eval.Violations[0].Severity)

	eval = m.PostTradeEvaluate(account("49200", "-800"), now)
	assert.False(t, eval.ForceFlatten)
	assert.Empty(t, eval.Violations)
}

func TestConsistencyRule(t *testing.T) {
	m := newManager(t, MFFU100K(), WithAdverseSlippageTicks(decimal.Zero))
	now := time.Now()

	// Cumulative profit 1000, cap 30% -> 300 per day.
	acct := account("101000", "400")
	eval := m.PostTradeEvaluate(acct, now)
	require.NotEmpty(t, eval.Violations)
	assert.Equal(t, "consistency_rule", eval.Violations[0].Rule)
	assert.Equal(t, SeverityWarning, eval.Violations[0].Severity)
	assert.False(t, eval.ForceFlatten, "consistency alone never flattens")

	dec := m.PreTradeCheck(marketBuy("1"), orderCtx(acct, "0", now))
	require.False(t, dec.Approved)
	assert.Equal(t, "consistency_rule", dec.Rule)

	within := account("101000", "250")
	assert.Empty(t, m.PostTradeEvaluate(within, now).Violations)
}

func TestObserveDailyRollover(t *testing.T) {
	m := newManager(t, TopStep50K())
	day1 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)

	assert.False(t, m.Observe(account("50100", "100"), day1))
	assert.False(t, m.Observe(account("50200", "200"), day1.Add(time.Hour)))

	newDay := m.Observe(account("50200", "200"), day2)
	assert.True(t, newDay)
	assert.True(t, m.State().DailyStartBalance.Equal(d("50200")))
}

func TestHighWaterMarkNeverResets(t *testing.T) {
	m := newManager(t, TopStep50K())
	day1 := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	m.Observe(account("51500", "0"), day1)
	m.Observe(account("50100", "0"), day2)
	assert.True(t, m.State().HighWaterMark.Equal(d("51500")), "the mark trails across days")
}

func TestPreTradeDrawdownRejection(t *testing.T) {
	m := newManager(t, TopStep50K(), WithAdverseSlippageTicks(decimal.Zero))
	now := time.Now()
	m.Observe(account("52000", "0"), now)

	dec := m.PreTradeCheck(marketBuy("1"), orderCtx(account("49900", "0"), "0", now))
	require.False(t, dec.Approved)
	assert.Equal(t, "max_drawdown", dec.Rule)
}

func TestUnlimitedProfilePassesEverything(t *testing.T) {
	p := Profile{
		Name:           "open",
		InitialBalance: d("10000"),
	}
	m := newManager(t, p)
	dec := m.PreTradeCheck(marketBuy("500"), orderCtx(account("10", "-99999"), "0", time.Now()))
	assert.True(t, dec.Approved, "zero-valued limits mean unlimited")
}
