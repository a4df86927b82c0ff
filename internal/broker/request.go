package broker

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Request is an outbound gateway request.
type Request interface {
	requestName() string
}

// RequestName returns a short identifier for logs and metrics.
func RequestName(r Request) string {
	return r.requestName()
}

// ReqIDs asks the gateway for the next valid order identifier.
type ReqIDs struct{}

// ReqPositions asks for a full position snapshot, terminated by PositionEnd.
type ReqPositions struct{}

// CancelPositions stops position updates started by ReqPositions.
type CancelPositions struct{}

// Order is the order ticket carried by PlaceOrder.
type Order struct {
	Action     types.Action
	Type       types.OrderType
	Quantity   int64
	LimitPrice decimal.Decimal
	TIF        string
	OrderRef   string
	Transmit   bool
}

// PlaceOrder submits an order under an identifier previously granted by the
// gateway.
type PlaceOrder struct {
	OrderID  int64
	Contract Contract
	Order    Order
}

// CancelOrder cancels a single order.
type CancelOrder struct {
	OrderID int64
}

// GlobalCancel cancels every open order of the account.
type GlobalCancel struct{}

// ReqMarketData starts streaming ticks for a contract.
type ReqMarketData struct {
	TickerID int64
	Contract Contract
}

// CancelMarketData stops a market data stream.
type CancelMarketData struct {
	TickerID int64
}

// ReqHistoricalData requests a block of bars, terminated by HistoricalDataEnd.
type ReqHistoricalData struct {
	ReqID       int64
	Contract    Contract
	EndDateTime string // empty means now
	Duration    string // e.g. "5 Y"
	BarSize     string // e.g. "1 day"
	WhatToShow  string // e.g. "ADJUSTED_LAST"
	UseRTH      bool
}

func (ReqIDs) requestName() string            { return "req_ids" }
func (ReqPositions) requestName() string      { return "req_positions" }
func (CancelPositions) requestName() string   { return "cancel_positions" }
func (PlaceOrder) requestName() string        { return "place_order" }
func (CancelOrder) requestName() string       { return "cancel_order" }
func (GlobalCancel) requestName() string      { return "global_cancel" }
func (ReqMarketData) requestName() string     { return "req_mkt_data" }
func (CancelMarketData) requestName() string  { return "cancel_mkt_data" }
func (ReqHistoricalData) requestName() string { return "req_historical_data" }
