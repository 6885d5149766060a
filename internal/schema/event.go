// Package schema holds the domain types and the typed event set that flows
// through the engine. All monetary values are exact decimals; float64 never
// touches the ledger.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// EventKind discriminates the event types carried on the bus.
type EventKind uint8

const (
	EventKindUnknown EventKind = iota
	EventKindMarketData
	EventKindSignal
	EventKindOrder
	EventKindRisk
	EventKindSystem
)

func (k EventKind) String() string {
	switch k {
	case EventKindMarketData:
		return "market_data"
	case EventKindSignal:
		return "signal"
	case EventKindOrder:
		return "order"
	case EventKindRisk:
		return "risk"
	case EventKindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Event is the unit passed through the bus and delivered to strategies.
type Event interface {
	Kind() EventKind
	EventTime() time.Time
}

// MarketDataEvent carries one bar or one tick, never both.
type MarketDataEvent struct {
	Bar  *Bar
	Tick *Tick
}

func (e MarketDataEvent) Kind() EventKind { return EventKindMarketData }

func (e MarketDataEvent) EventTime() time.Time {
	if e.Bar != nil {
		return e.Bar.Timestamp
	}
	if e.Tick != nil {
		return e.Tick.Timestamp
	}
	return time.Time{}
}

// Instrument returns the symbol the update is for.
func (e MarketDataEvent) Instrument() string {
	if e.Bar != nil {
		return e.Bar.Instrument
	}
	if e.Tick != nil {
		return e.Tick.Instrument
	}
	return ""
}

// SignalEvent wraps a strategy signal.
type SignalEvent struct {
	Signal Signal
}

func (e SignalEvent) Kind() EventKind      { return EventKindSignal }
func (e SignalEvent) EventTime() time.Time { return e.Signal.Timestamp }

// OrderEventType is the order lifecycle transition an OrderEvent reports.
type OrderEventType uint8

const (
	OrderEventSubmitted OrderEventType = iota
	OrderEventFilled
	OrderEventPartiallyFilled
	OrderEventCancelled
	OrderEventRejected
)

func (t OrderEventType) String() string {
	switch t {
	case OrderEventSubmitted:
		return "submitted"
	case OrderEventFilled:
		return "filled"
	case OrderEventPartiallyFilled:
		return "partially_filled"
	case OrderEventCancelled:
		return "cancelled"
	case OrderEventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OrderEvent reports an order lifecycle transition. Fill is set for the
// filled variants; Reason for cancel/reject.
type OrderEvent struct {
	Type      OrderEventType
	OrderID   uuid.UUID
	Fill      *Fill
	Reason    string
	Timestamp time.Time
}

func (e OrderEvent) Kind() EventKind      { return EventKindOrder }
func (e OrderEvent) EventTime() time.Time { return e.Timestamp }

// RiskEventType classifies risk manager outcomes.
type RiskEventType uint8

const (
	RiskEventRejection RiskEventType = iota
	RiskEventViolation
	RiskEventAutoFlatten
)

func (t RiskEventType) String() string {
	switch t {
	case RiskEventRejection:
		return "rejection"
	case RiskEventViolation:
		return "violation"
	case RiskEventAutoFlatten:
		return "auto_flatten"
	default:
		return "unknown"
	}
}

// RiskEvent reports a gate rejection, a rule violation, or a forced flatten.
type RiskEvent struct {
	Type      RiskEventType
	OrderID   uuid.UUID
	Rule      string
	Reason    string
	Timestamp time.Time
}

func (e RiskEvent) Kind() EventKind      { return EventKindRisk }
func (e RiskEvent) EventTime() time.Time { return e.Timestamp }

// SystemEventType classifies engine lifecycle notices.
type SystemEventType uint8

const (
	SystemEventStarted SystemEventType = iota
	SystemEventStopped
	SystemEventError
	SystemEventInfo
)

func (t SystemEventType) String() string {
	switch t {
	case SystemEventStarted:
		return "started"
	case SystemEventStopped:
		return "stopped"
	case SystemEventError:
		return "error"
	default:
		return "info"
	}
}

// SystemEvent reports engine lifecycle and non-fatal component errors.
type SystemEvent struct {
	Type      SystemEventType
	Message   string
	Err       error
	Timestamp time.Time
}

func (e SystemEvent) Kind() EventKind      { return EventKindSystem }
func (e SystemEvent) EventTime() time.Time { return e.Timestamp }
