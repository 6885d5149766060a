package sim

import (
	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// SlippageModel selects how adverse fill slippage is computed.
type SlippageModel uint8

const (
	// SlippageTicks applies a fixed number of ticks against the order.
	SlippageTicks SlippageModel = iota
	// SlippagePercent applies a percentage of the fill price.
	SlippagePercent
)

// CommissionModel selects how commission is computed at fill time.
type CommissionModel uint8

const (
	// CommissionPerContract charges a flat amount per contract.
	CommissionPerContract CommissionModel = iota
	// CommissionPercent charges a percentage of fill notional.
	CommissionPercent
)

// Config controls the deterministic fill simulator.
type Config struct {
	Slippage      SlippageModel
	SlippageTicks decimal.Decimal
	SlippagePct   decimal.Decimal

	Commission      CommissionModel
	CommissionRate  decimal.Decimal
	EventBufferSize int
}

// DefaultConfig mirrors a typical ES futures setup: one tick of slippage
// and a flat commission per contract.
func DefaultConfig() Config {
	return Config{
		Slippage:        SlippageTicks,
		SlippageTicks:   decimal.NewFromInt(1),
		Commission:      CommissionPerContract,
		CommissionRate:  decimal.NewFromInt(4),
		EventBufferSize: 1024,
	}
}

func (c Config) withDefaults() Config {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1024
	}
	return c
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.SlippageTicks.IsNegative() || c.SlippagePct.IsNegative() {
		return errors.New("slippage must be >= 0")
	}
	if c.CommissionRate.IsNegative() {
		return errors.New("commission must be >= 0")
	}
	return nil
}
