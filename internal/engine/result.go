package engine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"propdesk/internal/risk"
	"propdesk/internal/schema"
)

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// EngineResult summarizes a run. Monetary figures are exact decimals;
// Sharpe and Sortino are reporting-only ratios and stay float64, never
// fed back into any ledger computation.
type EngineResult struct {
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	FinalEquity    decimal.Decimal `json:"final_equity"`

	TotalTrades     int             `json:"total_trades"`
	WinningTrades   int             `json:"winning_trades"`
	LosingTrades    int             `json:"losing_trades"`
	GrossProfit     decimal.Decimal `json:"gross_profit"`
	GrossLoss       decimal.Decimal `json:"gross_loss"`
	NetProfit       decimal.Decimal `json:"net_profit"`
	TotalCommission decimal.Decimal `json:"total_commission"`

	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	WinRate        decimal.Decimal `json:"win_rate"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	AvgTradePnL    decimal.Decimal `json:"avg_trade_pnl"`
	AvgWinner      decimal.Decimal `json:"avg_winner"`
	AvgLoser       decimal.Decimal `json:"avg_loser"`

	SharpeRatio  float64 `json:"sharpe_ratio"`
	SortinoRatio float64 `json:"sortino_ratio"`

	EquityCurve []EquityPoint    `json:"equity_curve"`
	Trades      []schema.Trade   `json:"trades"`
	Violations  []risk.Violation `json:"violations"`
}

// profitFactorCap stands in for an infinite profit factor when there are
// no losing trades.
var profitFactorCap = decimal.RequireFromString("999.99")

func (e *Engine) result() *EngineResult {
	trades := e.ledger.RealizedTrades()
	acct := e.ledger.Account()

	res := &EngineResult{
		Start:          e.start,
		End:            e.end,
		InitialBalance: e.cfg.InitialBalance,
		FinalEquity:    acct.Equity,
		TotalTrades:    len(trades),
		EquityCurve:    e.equity,
		Trades:         trades,
		Violations:     e.violations,
	}

	for _, t := range trades {
		net := t.NetPnL()
		res.NetProfit = res.NetProfit.Add(net)
		res.TotalCommission = res.TotalCommission.Add(t.Commission)
		switch {
		case net.IsPositive():
			res.WinningTrades++
		case net.IsNegative():
			res.LosingTrades++
		}
		if t.PnL.IsPositive() {
			res.GrossProfit = res.GrossProfit.Add(t.PnL)
		} else if t.PnL.IsNegative() {
			res.GrossLoss = res.GrossLoss.Add(t.PnL.Abs())
		}
	}

	for _, p := range e.equity {
		if p.Drawdown.GreaterThan(res.MaxDrawdown) {
			res.MaxDrawdown = p.Drawdown
		}
	}
	hundred := decimal.NewFromInt(100)
	if e.cfg.InitialBalance.IsPositive() {
		res.MaxDrawdownPct = res.MaxDrawdown.Div(e.cfg.InitialBalance).Mul(hundred)
	}
	if res.TotalTrades > 0 {
		n := decimal.NewFromInt(int64(res.TotalTrades))
		res.WinRate = decimal.NewFromInt(int64(res.WinningTrades)).Div(n).Mul(hundred)
		res.AvgTradePnL = res.NetProfit.Div(n)
	}
	if res.WinningTrades > 0 {
		res.AvgWinner = res.GrossProfit.Div(decimal.NewFromInt(int64(res.WinningTrades)))
	}
	if res.LosingTrades > 0 {
		res.AvgLoser = res.GrossLoss.Div(decimal.NewFromInt(int64(res.LosingTrades)))
	}
	switch {
	case res.GrossLoss.IsZero() && res.GrossProfit.IsPositive():
		res.ProfitFactor = profitFactorCap
	case !res.GrossLoss.IsZero():
		res.ProfitFactor = res.GrossProfit.Div(res.GrossLoss)
	}

	res.SharpeRatio = sharpe(e.equity)
	res.SortinoRatio = sortino(e.equity)
	return res
}

// curveReturns converts the equity curve to simple float64 returns for
// the ratio calculations.
func curveReturns(curve []EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}
	return returns
}

// annualization assumes daily samples over ~252 trading days.
var annualization = math.Sqrt(252)

func sharpe(curve []EquityPoint) float64 {
	returns := curveReturns(curve)
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}
	return mean / stddev * annualization
}

func sortino(curve []EquityPoint) float64 {
	returns := curveReturns(curve)
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	downside := 0.0
	for _, r := range returns {
		if r < 0 {
			downside += r * r
		}
	}
	downside /= float64(len(returns))
	dev := math.Sqrt(downside)
	if dev == 0 {
		return 0
	}
	return mean / dev * annualization
}
