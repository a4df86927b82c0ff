// Package broker defines the gateway session contract shared by the live
// IBKR client and the paper venue.
package broker

import (
	"context"
	"errors"
	"strings"
)

// Common session errors.
var (
	ErrNotConnected       = errors.New("gateway not connected")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrInvalidContract    = errors.New("invalid contract")
	ErrUnsupportedRequest = errors.New("unsupported request")
)

// ConnectionState represents the gateway connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Session is a connection to the order/market-data gateway.
//
// Send writes one outbound request. Every inbound callback is delivered, in
// arrival order, on the channel returned by Events; the channel is closed
// when the session shuts down.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	Send(ctx context.Context, req Request) error
	Events() <-chan Event
}

// Contract is an immutable instrument reference.
type Contract struct {
	ConID           int64
	Symbol          string
	SecType         string // STK, FUT, OPT, ...
	Currency        string
	Exchange        string
	PrimaryExchange string
}

// USStock returns the reference for a US-listed stock or ETF. Orders route
// to ARCA rather than SMART.
func USStock(symbol string) Contract {
	return Contract{
		Symbol:          strings.ToUpper(strings.TrimSpace(symbol)),
		SecType:         "STK",
		Currency:        "USD",
		Exchange:        "ARCA",
		PrimaryExchange: "ARCA",
	}
}

// Validate checks the fields the gateway needs to resolve the contract.
func (c Contract) Validate() error {
	if c.Symbol == "" || c.SecType == "" || c.Currency == "" || c.Exchange == "" {
		return ErrInvalidContract
	}
	return nil
}

// Matches reports whether other refers to the same instrument.
func (c Contract) Matches(other Contract) bool {
	if c.ConID != 0 && other.ConID != 0 {
		return c.ConID == other.ConID
	}
	return strings.EqualFold(c.Symbol, other.Symbol) && strings.EqualFold(c.SecType, other.SecType)
}

func (c Contract) String() string {
	return c.Symbol + "/" + c.SecType + "/" + c.Currency + "@" + c.Exchange
}
