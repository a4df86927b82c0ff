// Package types defines shared types used across the agent.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of an order as the gateway spells it.
type Action int

const (
	ActionNone Action = iota
	ActionBuy
	ActionSell
)

func (a Action) String() string {
	switch a {
	case ActionBuy:
		return "BUY"
	case ActionSell:
		return "SELL"
	default:
		return "NONE"
	}
}

// Opposite returns the opposite action.
func (a Action) Opposite() Action {
	switch a {
	case ActionBuy:
		return ActionSell
	case ActionSell:
		return ActionBuy
	default:
		return ActionNone
	}
}

// Sign returns +1 for buys, -1 for sells and 0 otherwise.
func (a Action) Sign() int64 {
	switch a {
	case ActionBuy:
		return 1
	case ActionSell:
		return -1
	default:
		return 0
	}
}

// ActionForDelta returns the action that moves a position by delta.
func ActionForDelta(delta int64) Action {
	switch {
	case delta > 0:
		return ActionBuy
	case delta < 0:
		return ActionSell
	default:
		return ActionNone
	}
}

// OrderType is the gateway order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeMarket OrderType = "MKT"
)

// ParseOrderType maps config spellings onto gateway order types.
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LMT", "LIMIT", "":
		return OrderTypeLimit, nil
	case "MKT", "MARKET":
		return OrderTypeMarket, nil
	default:
		return "", ErrUnknownOrderType
	}
}

// Bar is one OHLCV candle.
type Bar struct {
	Symbol   string
	Time     time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	WAP      decimal.Decimal
	BarCount int
}

// Abs returns the absolute value of n.
func Abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
