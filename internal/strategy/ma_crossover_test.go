package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propdesk/internal/schema"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSMAWarmupAndExactness(t *testing.T) {
	sma := NewSMA(3)

	_, ok := sma.Update(d("1"))
	assert.False(t, ok)
	_, ok = sma.Update(d("2"))
	assert.False(t, ok)

	v, ok := sma.Update(d("3"))
	require.True(t, ok)
	assert.True(t, v.Equal(d("2")))

	// The window slides: (2+3+7)/3 = 4, exactly.
	v, ok = sma.Update(d("7"))
	require.True(t, ok)
	assert.True(t, v.Equal(d("4")), "sma %s", v)
}

func TestSMADecimalDivision(t *testing.T) {
	sma := NewSMA(3)
	sma.Update(d("0.1"))
	sma.Update(d("0.2"))
	v, ok := sma.Update(d("0.3"))
	require.True(t, ok)
	// A terminating quotient comes out exact, no binary float noise.
	assert.True(t, v.Equal(d("0.2")), "sma %s", v)

	// A repeating quotient is the decimal rounding at the library's
	// division precision, not a float64 artifact.
	sma.Reset()
	sma.Update(d("0.1"))
	sma.Update(d("0.2"))
	v, ok = sma.Update(d("0.4"))
	require.True(t, ok)
	assert.True(t, v.Equal(d("0.2333333333333333")), "sma %s", v)
}

func TestSMAReset(t *testing.T) {
	sma := NewSMA(2)
	sma.Update(d("5"))
	sma.Update(d("5"))
	sma.Reset()
	_, ok := sma.Update(d("1"))
	assert.False(t, ok, "reset must empty the window")
}

func barAt(close string, i int) schema.Bar {
	start := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	c := d(close)
	return schema.Bar{
		Instrument: "ES",
		Timestamp:  start.Add(time.Duration(i) * time.Minute),
		Open:       c,
		High:       c,
		Low:        c,
		Close:      c,
	}
}

func feedCloses(s *MACrossover, closes []string) [][]schema.Signal {
	out := make([][]schema.Signal, len(closes))
	for i, c := range closes {
		out[i] = s.OnBar(barAt(c, i))
	}
	return out
}

func newCrossover(t *testing.T) *MACrossover {
	t.Helper()
	s, err := NewMACrossover(MACrossoverConfig{
		Instrument: "ES",
		FastPeriod: 2,
		SlowPeriod: 3,
		Quantity:   decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	return s
}

func TestMACrossoverConfigValidate(t *testing.T) {
	_, err := NewMACrossover(MACrossoverConfig{Instrument: "ES", FastPeriod: 5, SlowPeriod: 5, Quantity: d("1")})
	assert.Error(t, err, "fast must be strictly below slow")
	_, err = NewMACrossover(MACrossoverConfig{Instrument: "ES", FastPeriod: 2, SlowPeriod: 5})
	assert.Error(t, err, "quantity required")
	_, err = NewMACrossover(MACrossoverConfig{FastPeriod: 2, SlowPeriod: 5, Quantity: d("1")})
	assert.Error(t, err, "instrument required")
}

func TestMACrossoverGoesLongOnUpwardCross(t *testing.T) {
	s := newCrossover(t)
	// Declining then turning up: the fast average crosses above the slow.
	signals := feedCloses(s, []string{"10", "9", "8", "7", "9", "11"})

	var actions []schema.SignalAction
	for _, batch := range signals {
		for _, sig := range batch {
			actions = append(actions, sig.Action)
		}
	}
	require.NotEmpty(t, actions)
	assert.Equal(t, schema.SignalBuyEntry, actions[0])
	for _, batch := range signals {
		for _, sig := range batch {
			assert.Equal(t, s.ID(), sig.StrategyID)
			assert.Equal(t, "ES", sig.Instrument)
			assert.True(t, sig.Quantity.Equal(d("1")))
		}
	}
}

func TestMACrossoverReversesWithExitFirst(t *testing.T) {
	s := newCrossover(t)
	// Up into a long, then down hard enough to cross back under.
	signals := feedCloses(s, []string{"10", "9", "8", "9", "11", "12", "10", "7", "5"})

	var actions []schema.SignalAction
	for _, batch := range signals {
		for _, sig := range batch {
			actions = append(actions, sig.Action)
		}
	}
	require.GreaterOrEqual(t, len(actions), 3)
	assert.Equal(t, schema.SignalBuyEntry, actions[0])
	// The reversal exits the long before entering short.
	assert.Equal(t, schema.SignalExitLong, actions[1])
	assert.Equal(t, schema.SignalSellEntry, actions[2])
}

func TestMACrossoverIgnoresOtherInstruments(t *testing.T) {
	s := newCrossover(t)
	bar := barAt("5000", 0)
	bar.Instrument = "NQ"
	assert.Nil(t, s.OnBar(bar))
}

func TestMACrossoverNoSignalDuringWarmup(t *testing.T) {
	s := newCrossover(t)
	// The slow window needs 3 bars, plus one more to prime the previous
	// values; nothing may fire before that.
	signals := feedCloses(s, []string{"10", "10", "10"})
	for _, batch := range signals {
		assert.Empty(t, batch)
	}
}

func TestMACrossoverResetReplaysIdentically(t *testing.T) {
	closes := []string{"10", "9", "8", "7", "9", "11", "10", "8", "6", "9", "12"}

	s := newCrossover(t)
	first := feedCloses(s, closes)
	s.Reset()
	second := feedCloses(s, closes)

	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equalf(t, len(first[i]), len(second[i]), "bar %d", i)
		for j := range first[i] {
			assert.Equal(t, first[i][j].Action, second[i][j].Action)
		}
	}
}
