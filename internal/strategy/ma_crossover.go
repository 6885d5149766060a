package strategy

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

// MACrossoverConfig configures the builtin moving average crossover.
type MACrossoverConfig struct {
	Instrument string
	FastPeriod int
	SlowPeriod int
	Quantity   decimal.Decimal
}

// DefaultMACrossoverConfig is a 10/20 crossover trading one contract.
func DefaultMACrossoverConfig(instrument string) MACrossoverConfig {
	return MACrossoverConfig{
		Instrument: instrument,
		FastPeriod: 10,
		SlowPeriod: 20,
		Quantity:   decimal.NewFromInt(1),
	}
}

// Validate checks the crossover config.
func (c MACrossoverConfig) Validate() error {
	if c.Instrument == "" {
		return errors.New("instrument required")
	}
	if c.FastPeriod < 1 || c.SlowPeriod <= c.FastPeriod {
		return errors.New("need 1 <= fast < slow")
	}
	if !c.Quantity.IsPositive() {
		return errors.New("quantity must be > 0")
	}
	return nil
}

// MACrossover goes long when the fast average crosses above the slow one
// and short on the opposite cross, exiting any open position first.
type MACrossover struct {
	Base
	cfg      MACrossoverConfig
	fast     *SMA
	slow     *SMA
	prevFast decimal.Decimal
	prevSlow decimal.Decimal
	primed   bool
	side     schema.Side
	inMarket bool
}

// NewMACrossover creates the strategy.
func NewMACrossover(cfg MACrossoverConfig) (*MACrossover, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &MACrossover{
		Base: Base{StrategyID: fmt.Sprintf("ma_crossover_%d_%d", cfg.FastPeriod, cfg.SlowPeriod)},
		cfg:  cfg,
		fast: NewSMA(cfg.FastPeriod),
		slow: NewSMA(cfg.SlowPeriod),
	}, nil
}

func (s *MACrossover) OnBar(bar schema.Bar) []schema.Signal {
	if bar.Instrument != s.cfg.Instrument {
		return nil
	}
	fast, fastOK := s.fast.Update(bar.Close)
	slow, slowOK := s.slow.Update(bar.Close)
	if !fastOK || !slowOK {
		return nil
	}
	defer func() {
		s.prevFast, s.prevSlow = fast, slow
		s.primed = true
	}()
	if !s.primed {
		return nil
	}

	var signals []schema.Signal
	switch {
	case s.prevFast.LessThanOrEqual(s.prevSlow) && fast.GreaterThan(slow):
		if s.inMarket && s.side == schema.SideSell {
			signals = append(signals, s.signal(schema.SignalExitShort, bar))
		}
		signals = append(signals, s.signal(schema.SignalBuyEntry, bar))
		s.side, s.inMarket = schema.SideBuy, true
	case s.prevFast.GreaterThanOrEqual(s.prevSlow) && fast.LessThan(slow):
		if s.inMarket && s.side == schema.SideBuy {
			signals = append(signals, s.signal(schema.SignalExitLong, bar))
		}
		signals = append(signals, s.signal(schema.SignalSellEntry, bar))
		s.side, s.inMarket = schema.SideSell, true
	}
	return signals
}

func (s *MACrossover) signal(action schema.SignalAction, bar schema.Bar) schema.Signal {
	return schema.Signal{
		ID:         uuid.New(),
		Instrument: s.cfg.Instrument,
		Action:     action,
		Quantity:   s.cfg.Quantity,
		StrategyID: s.ID(),
		Timestamp:  bar.Timestamp,
	}
}

func (s *MACrossover) Reset() {
	s.fast.Reset()
	s.slow.Reset()
	s.prevFast = decimal.Decimal{}
	s.prevSlow = decimal.Decimal{}
	s.primed = false
	s.inMarket = false
}
