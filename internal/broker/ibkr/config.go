// Package ibkr implements broker.Session over the Interactive Brokers TWS /
// Gateway socket protocol.
package ibkr

import (
	"fmt"
	"time"
)

// Well-known gateway ports.
const (
	PortTWSLive      = 7496
	PortTWSPaper     = 7497
	PortGatewayLive  = 4001
	PortGatewayPaper = 4002
)

// Config holds IBKR connection configuration.
type Config struct {
	// Connection settings
	Host     string
	Port     int
	ClientID int

	// Timeouts
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration

	// Rate limiting
	MaxRequestsPerSecond int

	// Reconnection
	AutoReconnect     bool
	ReconnectInterval time.Duration
	MaxReconnectTries int

	// EventBuffer is the capacity of the events channel.
	EventBuffer int

	PaperTrading bool
}

// DefaultConfig returns default IBKR configuration.
func DefaultConfig() Config {
	return Config{
		Host:                 "127.0.0.1",
		Port:                 PortTWSPaper,
		ClientID:             1,
		ConnectTimeout:       10 * time.Second,
		HandshakeTimeout:     5 * time.Second,
		MaxRequestsPerSecond: 45, // IB limit is 50/sec
		AutoReconnect:        true,
		ReconnectInterval:    5 * time.Second,
		MaxReconnectTries:    10,
		EventBuffer:          1024,
		PaperTrading:         true,
	}
}

// LiveConfig returns configuration for live trading through TWS.
func LiveConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = PortTWSLive
	cfg.PaperTrading = false
	return cfg
}

// GatewayConfig returns configuration for IB Gateway.
func GatewayConfig(paper bool) Config {
	cfg := DefaultConfig()
	if paper {
		cfg.Port = PortGatewayPaper
	} else {
		cfg.Port = PortGatewayLive
	}
	cfg.PaperTrading = paper
	return cfg
}

// Addr returns host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsLivePort reports whether Port is one of the live-trading ports.
func (c Config) IsLivePort() bool {
	return c.Port == PortTWSLive || c.Port == PortGatewayLive
}
