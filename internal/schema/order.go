package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the closing direction for this side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// Sign returns +1 for buy and -1 for sell as a decimal factor.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderType is the execution instruction.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeMarket
	OrderTypeLimit
	OrderTypeStop
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of an order. Transitions are
// one-directional; a terminal status never re-opens.
type OrderStatus uint8

const (
	OrderStatusPending OrderStatus = iota
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusPartiallyFilled:
		return "partially_filled"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a request to trade. LimitPrice and StopPrice are zero when the
// order type does not use them.
type Order struct {
	ID         uuid.UUID       `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	FilledQty  decimal.Decimal `json:"filled_qty"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	StopPrice  decimal.Decimal `json:"stop_price"`
	Status     OrderStatus     `json:"status"`
	StrategyID string          `json:"strategy_id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// MarketOrder builds a new pending market order.
func MarketOrder(instrument string, side Side, qty decimal.Decimal, now time.Time) Order {
	return Order{
		ID:         uuid.New(),
		Instrument: instrument,
		Side:       side,
		Type:       OrderTypeMarket,
		Quantity:   qty,
		Status:     OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// LimitOrder builds a new pending limit order.
func LimitOrder(instrument string, side Side, qty, limit decimal.Decimal, now time.Time) Order {
	o := MarketOrder(instrument, side, qty, now)
	o.Type = OrderTypeLimit
	o.LimitPrice = limit
	return o
}

// StopOrder builds a new pending stop order.
func StopOrder(instrument string, side Side, qty, stop decimal.Decimal, now time.Time) Order {
	o := MarketOrder(instrument, side, qty, now)
	o.Type = OrderTypeStop
	o.StopPrice = stop
	return o
}

// Active reports whether the order can still receive fills.
func (o Order) Active() bool {
	return !o.Status.Terminal()
}

// LeavesQty is the unfilled remainder.
func (o Order) LeavesQty() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Fill is a full or partial execution of an order.
type Fill struct {
	OrderID    uuid.UUID       `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}

// OrderAck is a broker's synchronous response to a submission.
type OrderAck struct {
	OrderID       uuid.UUID `json:"order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Accepted      bool      `json:"accepted"`
	Reason        string    `json:"reason"`
}

// CancelAck is a broker's synchronous response to a cancellation.
type CancelAck struct {
	OrderID  uuid.UUID `json:"order_id"`
	Accepted bool      `json:"accepted"`
	Reason   string    `json:"reason"`
}
