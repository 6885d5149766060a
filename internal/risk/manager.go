// Package risk gates every candidate order against a prop-firm rule
// profile and autonomously requests liquidation when the account
// approaches a limit.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"propdesk/internal/schema"
)

// Severity grades a rule violation.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityCritical
	SeverityBreach
)

func (s Severity) String() string {
	switch s {
	case SeverityBreach:
		return "breach"
	case SeverityCritical:
		return "critical"
	default:
		return "warning"
	}
}

// Violation records a rule threshold being approached or crossed.
type Violation struct {
	Rule     string
	Message  string
	Severity Severity
}

// Decision is the pre-trade gate outcome. Rejections are control flow, not
// errors.
type Decision struct {
	Approved bool
	Rule     string
	Reason   string
}

// Evaluation is the post-trade outcome. ForceFlatten instructs the engine
// to cancel all pending orders and close all positions; it is always
// honored without re-entering the gate.
type Evaluation struct {
	ForceFlatten bool
	Rule         string
	Reason       string
	Violations   []Violation
}

// OrderContext carries the live state a pre-trade check needs. The engine
// owns exposure accounting, including in-flight reservations.
type OrderContext struct {
	Instrument schema.Instrument
	// PositionQty is the signed open quantity in the order's instrument.
	PositionQty decimal.Decimal
	// OtherExposure is unsigned exposure outside this instrument plus any
	// reserved in-flight order quantity.
	OtherExposure decimal.Decimal
	Account       schema.AccountState
	Now           time.Time
}

// State is the risk manager's mutable per-session bookkeeping. Owned
// exclusively by the Manager; nothing else writes it.
type State struct {
	HighWaterMark     decimal.Decimal
	DailyStartBalance decimal.Decimal
	CurrentDay        time.Time
	ViolationCount    int
}

// Manager enforces one immutable Profile over one trading session.
type Manager struct {
	profile Profile
	// adverseTicks is the worst-case adverse excursion assumed for a
	// candidate order in the projected-loss checks, in ticks.
	adverseTicks decimal.Decimal
	state        State
}

// Option tweaks manager construction.
type Option func(*Manager)

// WithAdverseSlippageTicks overrides the conservative adverse-cost
// estimator used in projected daily-loss and drawdown checks.
func WithAdverseSlippageTicks(ticks decimal.Decimal) Option {
	return func(m *Manager) { m.adverseTicks = ticks }
}

// NewManager creates a risk manager for the given profile.
func NewManager(profile Profile, opts ...Option) (*Manager, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		profile:      profile,
		adverseTicks: decimal.NewFromInt(1),
		state: State{
			HighWaterMark:     profile.InitialBalance,
			DailyStartBalance: profile.InitialBalance,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Profile returns the immutable rule set.
func (m *Manager) Profile() Profile { return m.profile }

// State returns a copy of the current risk state.
func (m *Manager) State() State { return m.state }

// Observe folds an account snapshot into risk state: raises the high-water
// mark and detects the daily session boundary. Returns true when a new
// trading day started, in which case the caller must reset its daily PnL
// counters. The high-water mark never resets; trailing drawdown persists
// across days.
func (m *Manager) Observe(acct schema.AccountState, now time.Time) (newDay bool) {
	day := now.UTC().Truncate(24 * time.Hour)
	if m.state.CurrentDay.IsZero() {
		m.state.CurrentDay = day
	} else if day.After(m.state.CurrentDay) {
		m.state.CurrentDay = day
		m.state.DailyStartBalance = acct.Balance
		newDay = true
		logs.Infof("trading day rolled over, daily counters reset, start balance %s", acct.Balance)
	}
	if acct.Equity.GreaterThan(m.state.HighWaterMark) {
		m.state.HighWaterMark = acct.Equity
	}
	return newDay
}

// PreTradeCheck evaluates a candidate order. Checks run in a fixed order so
// rejection reasons are deterministic: trading hours, position size,
// projected daily loss, projected drawdown, consistency rule. The first
// failing check wins.
func (m *Manager) PreTradeCheck(order schema.Order, ctx OrderContext) Decision {
	if !withinWindow(m.profile.TradingStart, m.profile.TradingEnd, ctx.Now) {
		return reject("trading_hours", fmt.Sprintf("order time %s outside trading window", ctx.Now.UTC().Format("15:04")))
	}

	projected := ctx.PositionQty.Add(order.Quantity.Mul(order.Side.Sign())).Abs().Add(ctx.OtherExposure)
	if m.profile.MaxPositionSize.IsPositive() && projected.GreaterThan(m.profile.MaxPositionSize) {
		return reject("max_position_size", fmt.Sprintf("projected size %s exceeds limit %s", projected, m.profile.MaxPositionSize))
	}
	if m.profile.MaxContracts > 0 && projected.GreaterThan(decimal.NewFromInt(int64(m.profile.MaxContracts))) {
		return reject("max_contracts", fmt.Sprintf("projected size %s exceeds max contracts %d", projected, m.profile.MaxContracts))
	}

	adverse := m.adverseCost(order, ctx.Instrument)
	if m.profile.DailyLossLimit.IsPositive() {
		projectedLoss := ctx.Account.DailyPnL.Sub(adverse).Neg()
		if projectedLoss.GreaterThanOrEqual(m.profile.DailyLossLimit) {
			return reject("daily_loss_limit", fmt.Sprintf("projected daily loss %s breaches limit %s", projectedLoss, m.profile.DailyLossLimit))
		}
	}

	if m.profile.MaxDrawdown.IsPositive() {
		drawdown := m.drawdownBasis().Sub(ctx.Account.Equity.Sub(adverse))
		if drawdown.GreaterThan(m.profile.MaxDrawdown) {
			return reject("max_drawdown", fmt.Sprintf("projected drawdown %s breaches limit %s (%s)", drawdown, m.profile.MaxDrawdown, m.basisName()))
		}
	}

	if v := m.checkConsistency(ctx.Account); v != nil {
		return reject(v.Rule, v.Message)
	}

	return Decision{Approved: true}
}

// PostTradeEvaluate runs after every fill and mark-to-market. It reports
// violations and decides whether the account must be flattened because a
// limit was crossed or its auto-flatten threshold was reached.
func (m *Manager) PostTradeEvaluate(acct schema.AccountState, now time.Time) Evaluation {
	m.Observe(acct, now)

	var eval Evaluation

	if m.profile.DailyLossLimit.IsPositive() {
		loss := acct.DailyPnL.Neg()
		threshold := m.profile.DailyLossLimit.Mul(m.profile.AutoFlattenThreshold)
		switch {
		case loss.GreaterThanOrEqual(m.profile.DailyLossLimit):
			m.breach(&eval, "daily_loss_limit", fmt.Sprintf("daily loss %s reached limit %s", loss, m.profile.DailyLossLimit))
		case m.profile.AutoFlattenThreshold.IsPositive() && loss.GreaterThanOrEqual(threshold):
			m.flatten(&eval, "daily_loss_limit", fmt.Sprintf("daily loss %s crossed auto-flatten threshold %s", loss, threshold), SeverityWarning)
		}
	}

	if m.profile.MaxDrawdown.IsPositive() {
		drawdown := m.drawdownBasis().Sub(acct.Equity)
		threshold := m.profile.MaxDrawdown.Mul(m.profile.AutoFlattenThreshold)
		switch {
		case drawdown.GreaterThan(m.profile.MaxDrawdown):
			m.breach(&eval, "max_drawdown", fmt.Sprintf("drawdown %s breached limit %s (%s)", drawdown, m.profile.MaxDrawdown, m.basisName()))
		case m.profile.AutoFlattenThreshold.IsPositive() && drawdown.GreaterThanOrEqual(threshold):
			m.flatten(&eval, "max_drawdown", fmt.Sprintf("drawdown %s crossed auto-flatten threshold %s", drawdown, threshold), SeverityWarning)
		}
	}

	if v := m.checkConsistency(acct); v != nil {
		eval.Violations = append(eval.Violations, *v)
	}

	return eval
}

func (m *Manager) adverseCost(order schema.Order, inst schema.Instrument) decimal.Decimal {
	// Worst reasonable case: the order fills and immediately moves the
	// configured number of ticks against us.
	return order.Quantity.Mul(m.adverseTicks).Mul(inst.TickValue)
}

func (m *Manager) drawdownBasis() decimal.Decimal {
	if m.profile.TrailingDrawdown {
		return m.state.HighWaterMark
	}
	return m.profile.InitialBalance
}

func (m *Manager) basisName() string {
	if m.profile.TrailingDrawdown {
		return "trailing"
	}
	return "fixed"
}

func (m *Manager) checkConsistency(acct schema.AccountState) *Violation {
	if !m.profile.ConsistencyRule {
		return nil
	}
	cumulative := acct.Equity.Sub(m.profile.InitialBalance)
	if !cumulative.IsPositive() {
		return nil
	}
	limit := cumulative.Mul(m.profile.ConsistencyMaxPct).Div(decimal.NewFromInt(100))
	if acct.DailyPnL.GreaterThan(limit) {
		return &Violation{
			Rule:     "consistency_rule",
			Message:  fmt.Sprintf("daily profit %s exceeds %s%% of cumulative profit %s", acct.DailyPnL, m.profile.ConsistencyMaxPct, cumulative),
			Severity: SeverityWarning,
		}
	}
	return nil
}

func (m *Manager) breach(eval *Evaluation, rule, msg string) {
	m.state.ViolationCount++
	logs.Warnf("risk breach [%s]: %s", rule, msg)
	eval.Violations = append(eval.Violations, Violation{Rule: rule, Message: msg, Severity: SeverityBreach})
	if !eval.ForceFlatten {
		eval.ForceFlatten = true
		eval.Rule = rule
		eval.Reason = msg
	}
}

func (m *Manager) flatten(eval *Evaluation, rule, msg string, sev Severity) {
	logs.Warnf("risk auto-flatten [%s]: %s", rule, msg)
	eval.Violations = append(eval.Violations, Violation{Rule: rule, Message: msg, Severity: sev})
	if !eval.ForceFlatten {
		eval.ForceFlatten = true
		eval.Rule = rule
		eval.Reason = msg
	}
}

func reject(rule, reason string) Decision {
	return Decision{Approved: false, Rule: rule, Reason: reason}
}
