// Package strategy defines the contract strategies implement and the
// builtin strategies shipped with the engine. Strategies never touch
// orders or the ledger; they emit signals and the engine does the rest.
package strategy

import (
	"propdesk/internal/schema"
)

// Strategy turns market data into signals. Implementations are driven by
// one goroutine at a time and need no internal locking.
type Strategy interface {
	// ID is the unique strategy identifier stamped on its signals.
	ID() string
	// OnStart runs once before the first event.
	OnStart() error
	// OnBar handles a completed bar and returns zero or more signals.
	OnBar(bar schema.Bar) []schema.Signal
	// OnTick handles a quote update and returns zero or more signals.
	OnTick(tick schema.Tick) []schema.Signal
	// OnFill notifies the strategy one of its orders (partially) filled.
	OnFill(fill schema.Fill)
	// OnStop runs once after the last event.
	OnStop() error
	// Reset clears all state so the strategy can be replayed.
	Reset()
}

// Base is an embeddable no-op implementation. Concrete strategies embed
// it and override what they need.
type Base struct {
	StrategyID string
}

func (b Base) ID() string                         { return b.StrategyID }
func (b Base) OnStart() error                     { return nil }
func (b Base) OnBar(schema.Bar) []schema.Signal   { return nil }
func (b Base) OnTick(schema.Tick) []schema.Signal { return nil }
func (b Base) OnFill(schema.Fill)                 {}
func (b Base) OnStop() error                      { return nil }
func (b Base) Reset()                             {}
