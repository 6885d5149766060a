// Package broker defines the contract every execution back-end satisfies.
// The engine cannot tell a simulated broker from a live bridge adapter.
package broker

import (
	"context"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"

	"propdesk/internal/schema"
)

// ErrDisconnected is returned by operations attempted while the broker has
// no usable connection. It is retriable.
var ErrDisconnected = errors.New("broker disconnected")

// Broker submits and cancels orders and streams order/market events back.
// All operations may fail with a connectivity error; callers treat those as
// non-fatal and retriable with backoff.
type Broker interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Connected() bool

	Submit(ctx context.Context, order schema.Order) (schema.OrderAck, error)
	Cancel(ctx context.Context, orderID uuid.UUID) (schema.CancelAck, error)
	// FlattenAll closes every open position at market and cancels working
	// orders on the broker side.
	FlattenAll(ctx context.Context) error

	// Events streams OrderEvent (fill/reject/cancel) and, for live
	// adapters, MarketDataEvent. The channel closes when the connection
	// drops or Close is called.
	Events() <-chan schema.Event
}
