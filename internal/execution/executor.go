// Package execution converges a position onto a target over time-spaced
// slices.
package execution

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/broker"
)

// OrderRouter places and cancels orders.
type OrderRouter interface {
	// PlaceOrder submits an order and returns its gateway id once the
	// gateway has acknowledged it.
	PlaceOrder(ctx context.Context, contract broker.Contract, order broker.Order) (int64, error)

	// CancelOrder cancels one order.
	CancelOrder(ctx context.Context, orderID int64) error

	// CancelAllOpenOrders cancels every open order of the account.
	CancelAllOpenOrders(ctx context.Context) error
}

// PositionSource returns fresh net positions.
type PositionSource interface {
	// RefreshPosition requests a new snapshot and returns the net position.
	RefreshPosition(ctx context.Context, contract broker.Contract) (int64, error)
}

// PriceSource returns the latest trade price.
type PriceSource interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}
