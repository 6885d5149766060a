package bridge

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Message type discriminators. Every JSON body carries one in its "type"
// field, beside the payload fields.
const (
	TypeOrderSubmit      = "order_submit"
	TypeOrderCancel      = "order_cancel"
	TypeAccountRequest   = "account_request"
	TypePositionsRequest = "positions_request"
	TypeSubscribe        = "subscribe"
	TypeUnsubscribe      = "unsubscribe"
	TypeFlattenAll       = "flatten_all"
	TypeHeartbeat        = "heartbeat"

	TypeBar            = "bar"
	TypeTick           = "tick"
	TypeOrderUpdate    = "order_update"
	TypeAccountUpdate  = "account_update"
	TypePositionUpdate = "position_update"
	TypeHeartbeatAck   = "heartbeat_ack"
	TypeError          = "error"
	TypeConnected      = "connected"
)

var ErrUnknownMessage = errors.New("unknown bridge message type")

// OrderSubmitMsg asks the remote terminal to place an order.
type OrderSubmitMsg struct {
	Type       string           `json:"type"`
	ID         string           `json:"id"`
	Instrument string           `json:"instrument"`
	Side       string           `json:"side"`
	OrderType  string           `json:"order_type"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price"`
	StopPrice  *decimal.Decimal `json:"stop_price"`
}

// OrderCancelMsg cancels by the broker-assigned identifier.
type OrderCancelMsg struct {
	Type          string `json:"type"`
	BrokerOrderID string `json:"broker_order_id"`
}

// SubscribeMsg requests streaming market data for one instrument.
type SubscribeMsg struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
	Timeframe  string `json:"timeframe"`
}

// UnsubscribeMsg stops streaming market data for one instrument.
type UnsubscribeMsg struct {
	Type       string `json:"type"`
	Instrument string `json:"instrument"`
}

// FlattenAllMsg asks the remote terminal to close every position and
// cancel every working order.
type FlattenAllMsg struct {
	Type string `json:"type"`
}

// HeartbeatMsg is sent on an interval; the peer answers heartbeat_ack.
type HeartbeatMsg struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// BarMsg is one completed OHLCV bar from the remote terminal.
type BarMsg struct {
	Type       string          `json:"type"`
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
}

// TickMsg is one quote update from the remote terminal.
type TickMsg struct {
	Type       string          `json:"type"`
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Last       decimal.Decimal `json:"last"`
	Volume     decimal.Decimal `json:"volume"`
}

// OrderUpdateMsg reports a lifecycle transition for an order we placed.
type OrderUpdateMsg struct {
	Type           string           `json:"type"`
	ClientOrderID  string           `json:"client_order_id"`
	BrokerOrderID  string           `json:"broker_order_id"`
	Status         string           `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	FillPrice      *decimal.Decimal `json:"fill_price"`
	Commission     *decimal.Decimal `json:"commission"`
	Message        *string          `json:"message"`
}

// AccountUpdateMsg reports the broker-side account figures.
type AccountUpdateMsg struct {
	Type          string          `json:"type"`
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	MarginUsed    decimal.Decimal `json:"margin_used"`
}

// PositionUpdateMsg reports broker-side position state.
type PositionUpdateMsg struct {
	Type          string          `json:"type"`
	Instrument    string          `json:"instrument"`
	Side          string          `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// HeartbeatAckMsg answers a heartbeat.
type HeartbeatAckMsg struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMsg reports a peer-side failure.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ConnectedMsg is the first message after the TCP session opens.
type ConnectedMsg struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// DecodeInbound parses one inbound frame body into its concrete message.
func DecodeInbound(body []byte) (any, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, errors.Wrap(err, "decode bridge message")
	}

	var msg any
	switch head.Type {
	case TypeBar:
		msg = &BarMsg{}
	case TypeTick:
		msg = &TickMsg{}
	case TypeOrderUpdate:
		msg = &OrderUpdateMsg{}
	case TypeAccountUpdate:
		msg = &AccountUpdateMsg{}
	case TypePositionUpdate:
		msg = &PositionUpdateMsg{}
	case TypeHeartbeatAck:
		msg = &HeartbeatAckMsg{}
	case TypeError:
		msg = &ErrorMsg{}
	case TypeConnected:
		msg = &ConnectedMsg{}
	default:
		return nil, errors.Wrap(ErrUnknownMessage, head.Type)
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, errors.Wrap(err, "decode "+head.Type)
	}
	return msg, nil
}
