package schema

import "github.com/shopspring/decimal"

// AssetClass is the market an instrument trades in.
type AssetClass uint8

const (
	AssetClassUnknown AssetClass = iota
	AssetClassFutures
	AssetClassCFD
	AssetClassCrypto
)

func (a AssetClass) String() string {
	switch a {
	case AssetClassFutures:
		return "futures"
	case AssetClassCFD:
		return "cfd"
	case AssetClassCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Instrument describes a tradeable contract. Immutable once registered,
// identified by Symbol.
type Instrument struct {
	Symbol     string
	AssetClass AssetClass
	// TickSize is the minimum price increment (e.g. 0.25 for ES).
	TickSize decimal.Decimal
	// TickValue is the account-currency value of one tick per contract.
	TickValue decimal.Decimal
	// ContractSize is the notional multiplier per contract or lot.
	ContractSize decimal.Decimal
	Currency     string
	Exchange     string
}

// Multiplier returns the money value of a one-point move for one contract.
func (i Instrument) Multiplier() decimal.Decimal {
	if i.TickSize.IsZero() {
		return decimal.Zero
	}
	return i.TickValue.Div(i.TickSize)
}

// RoundToTick snaps a price to the nearest tick boundary.
func (i Instrument) RoundToTick(price decimal.Decimal) decimal.Decimal {
	if i.TickSize.IsZero() {
		return price
	}
	ticks := price.Div(i.TickSize).Round(0)
	return ticks.Mul(i.TickSize)
}
