package broker

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Event is an inbound gateway notification.
type Event interface {
	eventName() string
}

// EventName returns a short identifier for logs and metrics.
func EventName(e Event) string {
	return e.eventName()
}

// Position is one row of a position snapshot.
type Position struct {
	Account  string
	Contract Contract
	Quantity int64
	AvgCost  decimal.Decimal
}

// PositionEnd marks the end of a position snapshot.
type PositionEnd struct{}

// NextValidID grants the next usable order identifier.
type NextValidID struct {
	OrderID int64
}

// Order status values reported by the gateway.
const (
	StatusPendingSubmit = "PendingSubmit"
	StatusPendingCancel = "PendingCancel"
	StatusPreSubmitted  = "PreSubmitted"
	StatusSubmitted     = "Submitted"
	StatusApiCancelled  = "ApiCancelled"
	StatusCancelled     = "Cancelled"
	StatusFilled        = "Filled"
	StatusInactive      = "Inactive"
)

// OrderStatus reports the state of an order.
type OrderStatus struct {
	OrderID      int64
	Status       string
	Filled       int64
	Remaining    int64
	AvgFillPrice decimal.Decimal
}

// IsTerminal reports whether the order can no longer fill.
func (s OrderStatus) IsTerminal() bool {
	switch s.Status {
	case StatusFilled, StatusCancelled, StatusApiCancelled, StatusInactive:
		return true
	default:
		return false
	}
}

// ErrorEvent is an error or informational notice. ReqID is -1 when the
// notice is not tied to a request.
type ErrorEvent struct {
	ReqID   int64
	Code    int
	Message string
}

func (e ErrorEvent) String() string {
	return fmt.Sprintf("id=%d code=%d msg=%s", e.ReqID, e.Code, e.Message)
}

// Tick types used by the agent.
const (
	TickBid   = 1
	TickAsk   = 2
	TickLast  = 4
	TickHigh  = 6
	TickLow   = 7
	TickClose = 9
)

// TickPrice is a streamed price update.
type TickPrice struct {
	TickerID int64
	TickType int
	Price    decimal.Decimal
	At       time.Time
}

// HistoricalBar is one bar of a historical data response.
type HistoricalBar struct {
	ReqID int64
	Bar   types.Bar
}

// HistoricalDataEnd terminates a historical data response.
type HistoricalDataEnd struct {
	ReqID int64
	Start string
	End   string
}

// ConnectionClosed is emitted once when the session drops.
type ConnectionClosed struct {
	Err error
}

func (Position) eventName() string          { return "position" }
func (PositionEnd) eventName() string       { return "position_end" }
func (NextValidID) eventName() string       { return "next_valid_id" }
func (OrderStatus) eventName() string       { return "order_status" }
func (ErrorEvent) eventName() string        { return "error" }
func (TickPrice) eventName() string         { return "tick_price" }
func (HistoricalBar) eventName() string     { return "historical_bar" }
func (HistoricalDataEnd) eventName() string { return "historical_data_end" }
func (ConnectionClosed) eventName() string  { return "connection_closed" }
