package risk

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// ClockTime is a time-of-day boundary in UTC. The zero value means "no
// boundary configured".
type ClockTime struct {
	Minutes int
	Valid   bool
}

// ParseClock parses "HH:MM" into a ClockTime. Empty input yields an unset
// boundary.
func ParseClock(s string) (ClockTime, error) {
	if s == "" {
		return ClockTime{}, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, errors.Wrap(err, "parse clock time")
	}
	return ClockTime{Minutes: t.Hour()*60 + t.Minute(), Valid: true}, nil
}

// Contains reports whether the UTC time of day of ts falls inside the
// [start, end] window. An unset window admits everything.
func withinWindow(start, end ClockTime, ts time.Time) bool {
	if !start.Valid || !end.Valid {
		return true
	}
	minutes := ts.UTC().Hour()*60 + ts.UTC().Minute()
	if start.Minutes <= end.Minutes {
		return minutes >= start.Minutes && minutes <= end.Minutes
	}
	// Window wraps midnight.
	return minutes >= start.Minutes || minutes <= end.Minutes
}

// Profile is a prop firm's rule set. Immutable per session, identified by
// Name. Zero-valued limits mean "unlimited".
type Profile struct {
	Name             string
	Description      string
	InitialBalance   decimal.Decimal
	DailyLossLimit   decimal.Decimal
	MaxDrawdown      decimal.Decimal
	TrailingDrawdown bool
	MaxPositionSize  decimal.Decimal
	MaxContracts     int
	TradingStart     ClockTime
	TradingEnd       ClockTime
	ConsistencyRule  bool
	// ConsistencyMaxPct caps a single day's profit as a percentage of
	// cumulative profit (e.g. 40 means 40%).
	ConsistencyMaxPct decimal.Decimal
	// AutoFlattenThreshold is the fraction of a limit at which positions
	// are force-closed (e.g. 0.9 = 90%).
	AutoFlattenThreshold decimal.Decimal
}

// Validate checks the profile for usable limits.
func (p Profile) Validate() error {
	if p.Name == "" {
		return errors.New("profile name is empty")
	}
	if !p.InitialBalance.IsPositive() {
		return errors.New("initial balance must be > 0")
	}
	if p.AutoFlattenThreshold.IsNegative() || p.AutoFlattenThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return errors.New("auto flatten threshold must be within [0, 1]")
	}
	if p.ConsistencyRule && !p.ConsistencyMaxPct.IsPositive() {
		return errors.New("consistency rule enabled without a max percentage")
	}
	return nil
}

// TopStep50K returns the TopStep Trading Combine $50k rule set.
func TopStep50K() Profile {
	return Profile{
		Name:                 "TopStep-50k",
		Description:          "TopStep Trading Combine - $50K account",
		InitialBalance:       decimal.NewFromInt(50_000),
		DailyLossLimit:       decimal.NewFromInt(1_000),
		MaxDrawdown:          decimal.NewFromInt(2_000),
		TrailingDrawdown:     true,
		MaxPositionSize:      decimal.NewFromInt(5),
		MaxContracts:         5,
		AutoFlattenThreshold: decimal.NewFromFloat(0.90),
	}
}

// TopStep100K returns the TopStep Trading Combine $100k rule set.
func TopStep100K() Profile {
	return Profile{
		Name:                 "TopStep-100k",
		Description:          "TopStep Trading Combine - $100K account",
		InitialBalance:       decimal.NewFromInt(100_000),
		DailyLossLimit:       decimal.NewFromInt(2_000),
		MaxDrawdown:          decimal.NewFromInt(3_000),
		TrailingDrawdown:     true,
		MaxPositionSize:      decimal.NewFromInt(10),
		MaxContracts:         10,
		AutoFlattenThreshold: decimal.NewFromFloat(0.90),
	}
}

// TopStep150K returns the TopStep Trading Combine $150k rule set.
func TopStep150K() Profile {
	return Profile{
		Name:                 "TopStep-150k",
		Description:          "TopStep Trading Combine - $150K account",
		InitialBalance:       decimal.NewFromInt(150_000),
		DailyLossLimit:       decimal.NewFromInt(3_000),
		MaxDrawdown:          decimal.NewFromInt(4_500),
		TrailingDrawdown:     true,
		MaxPositionSize:      decimal.NewFromInt(15),
		MaxContracts:         15,
		AutoFlattenThreshold: decimal.NewFromFloat(0.90),
	}
}

// MFFU100K returns the My Funded Futures $100k evaluation rule set, which
// carries a consistency rule.
func MFFU100K() Profile {
	return Profile{
		Name:                 "MFFU-100k",
		Description:          "My Funded Futures - $100K evaluation",
		InitialBalance:       decimal.NewFromInt(100_000),
		DailyLossLimit:       decimal.NewFromInt(2_000),
		MaxDrawdown:          decimal.NewFromInt(3_000),
		TrailingDrawdown:     true,
		MaxPositionSize:      decimal.NewFromInt(10),
		MaxContracts:         10,
		ConsistencyRule:      true,
		ConsistencyMaxPct:    decimal.NewFromInt(30),
		AutoFlattenThreshold: decimal.NewFromFloat(0.90),
	}
}

// FundingPips100K returns the FundingPips $100k rule set with a fixed
// (non-trailing) drawdown basis.
func FundingPips100K() Profile {
	return Profile{
		Name:                 "FundingPips-100k",
		Description:          "FundingPips - $100K evaluation",
		InitialBalance:       decimal.NewFromInt(100_000),
		DailyLossLimit:       decimal.NewFromInt(4_000),
		MaxDrawdown:          decimal.NewFromInt(8_000),
		TrailingDrawdown:     false,
		AutoFlattenThreshold: decimal.NewFromFloat(0.90),
	}
}

// BuiltinProfile resolves a named built-in rule set.
func BuiltinProfile(name string) (Profile, bool) {
	switch strings.ToLower(name) {
	case "topstep-50k":
		return TopStep50K(), true
	case "topstep-100k":
		return TopStep100K(), true
	case "topstep-150k":
		return TopStep150K(), true
	case "mffu-100k":
		return MFFU100K(), true
	case "fundingpips-100k":
		return FundingPips100K(), true
	default:
		return Profile{}, false
	}
}
