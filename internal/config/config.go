// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/agent"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/broker/ibkr"
	"github.com/tathienbao/ibkr-agent/internal/broker/paper"
	"github.com/tathienbao/ibkr-agent/internal/execution"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/types"
	"gopkg.in/yaml.v3"
)

// Broker types.
const (
	BrokerPaper = "paper"
	BrokerIBKR  = "ibkr"
)

// Config represents the full application configuration.
type Config struct {
	Gateway     GatewayConfig      `yaml:"gateway"`
	Account     AccountConfig      `yaml:"account"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Execution   ExecutionConfig    `yaml:"execution"`
	History     HistoryConfig      `yaml:"history"`
	Logging     LoggingConfig      `yaml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	Alerting    AlertingConfig     `yaml:"alerting"`
	Broker      BrokerConfig       `yaml:"broker"`
	Store       StoreConfig        `yaml:"store"`
	Shutdown    ShutdownConfig     `yaml:"shutdown"`
}

// GatewayConfig holds TWS / IB Gateway connection settings.
type GatewayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID int    `yaml:"client_id"`

	// AllowLive must be set to connect to a live-trading port.
	AllowLive bool `yaml:"allow_live"`

	ConnectTimeoutSec    int  `yaml:"connect_timeout_sec"`
	RequestTimeoutSec    int  `yaml:"request_timeout_sec"`
	StreamTimeoutSec     int  `yaml:"stream_timeout_sec"`
	MaxRequestsPerSecond int  `yaml:"max_requests_per_second"`
	AutoReconnect        bool `yaml:"auto_reconnect"`
	ReconnectIntervalSec int  `yaml:"reconnect_interval_sec"`
	MaxReconnectTries    int  `yaml:"max_reconnect_tries"`
}

// AccountConfig holds account settings.
type AccountConfig struct {
	// ID restricts net positions to one account. Empty sums every account.
	ID string `yaml:"id"`
}

// InstrumentConfig describes one traded instrument. Only the symbol is
// required; the rest defaults to a US stock routed to ARCA.
type InstrumentConfig struct {
	Symbol          string `yaml:"symbol"`
	ConID           int64  `yaml:"con_id"`
	SecType         string `yaml:"sec_type"`
	Currency        string `yaml:"currency"`
	Exchange        string `yaml:"exchange"`
	PrimaryExchange string `yaml:"primary_exchange"`
}

// ExecutionConfig holds time-weighted execution settings.
type ExecutionConfig struct {
	DwellSec            int    `yaml:"dwell_sec"`
	PauseMs             int    `yaml:"pause_ms"`
	SliceIntervalSec    int    `yaml:"slice_interval_sec"`
	MaxAttemptsPerSlice int    `yaml:"max_attempts_per_slice"`
	MaxSliceDurationSec int    `yaml:"max_slice_duration_sec"`
	CancelSettleMs      int    `yaml:"cancel_settle_ms"`
	OrderType           string `yaml:"order_type"`   // LMT | MKT
	CancelScope         string `yaml:"cancel_scope"` // order | global
	TIF                 string `yaml:"tif"`

	// Defaults for the open command.
	UnitSize int64 `yaml:"unit_size"`
	Span     int   `yaml:"span"`
}

// HistoryConfig holds historical download settings.
type HistoryConfig struct {
	Duration             string `yaml:"duration"`
	BarSize              string `yaml:"bar_size"`
	WhatToShow           string `yaml:"what_to_show"`
	IncludeExtendedHours bool   `yaml:"include_extended_hours"`
	TimeoutSec           int    `yaml:"timeout_sec"`
	FirstReqID           int64  `yaml:"first_req_id"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // auto | text | json
}

// MetricsConfig holds metrics server settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type       string `yaml:"type"` // console | telegram
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// BrokerConfig selects the session implementation.
type BrokerConfig struct {
	Type  string      `yaml:"type"` // paper | ibkr
	Paper PaperConfig `yaml:"paper"`
}

// PaperConfig configures the simulated venue.
type PaperConfig struct {
	FillRatio float64            `yaml:"fill_ratio"`
	LatencyMs int                `yaml:"latency_ms"`
	Prices    map[string]float64 `yaml:"prices"`
	Positions map[string]int64   `yaml:"positions"`
}

// StoreConfig holds bar store settings.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec             int  `yaml:"timeout_sec"`
	CancelOrdersOnShutdown bool `yaml:"cancel_orders_on_shutdown"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment variables
// are expanded before parsing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate fills defaults and validates the configuration.
func (c *Config) Validate() error {
	c.applyDefaults()

	var errs []error

	// Broker
	switch c.Broker.Type {
	case BrokerPaper:
		if c.Broker.Paper.FillRatio < 0 || c.Broker.Paper.FillRatio > 1 {
			errs = append(errs, errors.New("broker.paper.fill_ratio must be between 0 and 1"))
		}
	case BrokerIBKR:
		if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("gateway.port %d is out of range", c.Gateway.Port))
		}
		if c.Gateway.ClientID < 0 {
			errs = append(errs, errors.New("gateway.client_id must not be negative"))
		}
		if c.IBKRConfig().IsLivePort() && !c.Gateway.AllowLive {
			errs = append(errs, fmt.Errorf("gateway.port %d is a live-trading port; set gateway.allow_live to use it", c.Gateway.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.type must be '%s' or '%s'", BrokerPaper, BrokerIBKR))
	}
	if c.Gateway.MaxRequestsPerSecond > 50 {
		errs = append(errs, errors.New("gateway.max_requests_per_second must not exceed 50"))
	}

	// Instruments
	if len(c.Instruments) == 0 {
		errs = append(errs, errors.New("at least one instrument is required"))
	}
	seen := make(map[string]bool, len(c.Instruments))
	for i, inst := range c.Instruments {
		if inst.Symbol == "" {
			errs = append(errs, fmt.Errorf("instruments[%d].symbol is required", i))
			continue
		}
		if seen[inst.Symbol] {
			errs = append(errs, fmt.Errorf("instrument %s is listed twice", inst.Symbol))
		}
		seen[inst.Symbol] = true
	}

	// Execution
	if ot, err := types.ParseOrderType(c.Execution.OrderType); err != nil {
		errs = append(errs, fmt.Errorf("execution.order_type %q: %w", c.Execution.OrderType, err))
	} else {
		c.Execution.OrderType = string(ot)
	}
	if c.Execution.UnitSize < 0 {
		errs = append(errs, errors.New("execution.unit_size must not be negative"))
	}
	if c.Execution.Span < 0 {
		errs = append(errs, errors.New("execution.span must not be negative"))
	}

	// Logging
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be auto, text or json", c.Logging.Format))
	}

	// Alerting
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Errorf("alerting.channels[%d]: telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Errorf("alerting.channels[%d].type %q is not supported", i, ch.Type))
			}
		}
	}

	// Store
	if c.Store.Enabled && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required when the store is enabled"))
	}

	if len(errs) == 0 {
		if acfg, err := c.AgentConfig(); err != nil {
			errs = append(errs, err)
		} else if err := acfg.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		if errors.Is(err, types.ErrInvalidConfig) {
			return err
		}
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	gw := ibkr.DefaultConfig()
	if c.Gateway.Host == "" {
		c.Gateway.Host = gw.Host
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = gw.Port
	}
	if c.Gateway.ConnectTimeoutSec <= 0 {
		c.Gateway.ConnectTimeoutSec = int(gw.ConnectTimeout / time.Second)
	}
	if c.Gateway.MaxRequestsPerSecond <= 0 {
		c.Gateway.MaxRequestsPerSecond = gw.MaxRequestsPerSecond
	}
	if c.Gateway.ReconnectIntervalSec <= 0 {
		c.Gateway.ReconnectIntervalSec = int(gw.ReconnectInterval / time.Second)
	}
	if c.Gateway.MaxReconnectTries <= 0 {
		c.Gateway.MaxReconnectTries = gw.MaxReconnectTries
	}

	ag := agent.DefaultConfig()
	if c.Gateway.RequestTimeoutSec <= 0 {
		c.Gateway.RequestTimeoutSec = int(ag.RequestTimeout / time.Second)
	}
	if c.Gateway.StreamTimeoutSec <= 0 {
		c.Gateway.StreamTimeoutSec = int(ag.StreamTimeout / time.Second)
	}

	for i := range c.Instruments {
		inst := &c.Instruments[i]
		inst.Symbol = strings.ToUpper(strings.TrimSpace(inst.Symbol))
		def := broker.USStock(inst.Symbol)
		if inst.SecType == "" {
			inst.SecType = def.SecType
		}
		if inst.Currency == "" {
			inst.Currency = def.Currency
		}
		if inst.Exchange == "" {
			inst.Exchange = def.Exchange
		}
		if inst.PrimaryExchange == "" {
			inst.PrimaryExchange = def.PrimaryExchange
		}
	}

	ex := execution.DefaultConfig()
	if c.Execution.DwellSec <= 0 {
		c.Execution.DwellSec = int(ex.Dwell / time.Second)
	}
	if c.Execution.PauseMs <= 0 {
		c.Execution.PauseMs = int(ex.Pause / time.Millisecond)
	}
	if c.Execution.SliceIntervalSec <= 0 {
		c.Execution.SliceIntervalSec = int(ex.SliceInterval / time.Second)
	}
	if c.Execution.MaxAttemptsPerSlice <= 0 {
		c.Execution.MaxAttemptsPerSlice = ex.MaxAttemptsPerSlice
	}
	if c.Execution.MaxSliceDurationSec <= 0 {
		c.Execution.MaxSliceDurationSec = int(ex.MaxSliceDuration / time.Second)
	}
	if c.Execution.CancelSettleMs <= 0 {
		c.Execution.CancelSettleMs = int(ex.CancelSettle / time.Millisecond)
	}
	if c.Execution.OrderType == "" {
		c.Execution.OrderType = string(ex.OrderType)
	}
	if c.Execution.CancelScope == "" {
		c.Execution.CancelScope = string(ex.CancelScope)
	}
	if c.Execution.TIF == "" {
		c.Execution.TIF = ex.TIF
	}
	if c.Execution.Span == 0 {
		c.Execution.Span = 1
	}

	if c.History.Duration == "" {
		c.History.Duration = "1 Y"
	}
	if c.History.BarSize == "" {
		c.History.BarSize = "1 day"
	}
	if c.History.WhatToShow == "" {
		c.History.WhatToShow = ag.History.WhatToShow
	}
	if c.History.TimeoutSec <= 0 {
		c.History.TimeoutSec = int(ag.History.Timeout / time.Second)
	}
	if c.History.FirstReqID <= 0 {
		c.History.FirstReqID = ag.History.FirstReqID
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}

	ms := metrics.DefaultServerConfig()
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ms.Addr
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ms.MetricsPath
	}

	if c.Broker.Type == "" {
		c.Broker.Type = BrokerPaper
	}
	if c.Broker.Type == BrokerPaper && c.Broker.Paper.FillRatio == 0 {
		c.Broker.Paper.FillRatio = 1
	}

	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 10
	}
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level %q: %w", s, err)
	}
	return level, nil
}

// Contracts returns the instrument references in configuration order.
func (c *Config) Contracts() []broker.Contract {
	out := make([]broker.Contract, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		out = append(out, broker.Contract{
			ConID:           inst.ConID,
			Symbol:          inst.Symbol,
			SecType:         inst.SecType,
			Currency:        inst.Currency,
			Exchange:        inst.Exchange,
			PrimaryExchange: inst.PrimaryExchange,
		})
	}
	return out
}

// IBKRConfig converts to ibkr.Config.
func (c *Config) IBKRConfig() ibkr.Config {
	cfg := ibkr.DefaultConfig()
	cfg.Host = c.Gateway.Host
	cfg.Port = c.Gateway.Port
	cfg.ClientID = c.Gateway.ClientID
	cfg.ConnectTimeout = time.Duration(c.Gateway.ConnectTimeoutSec) * time.Second
	cfg.MaxRequestsPerSecond = c.Gateway.MaxRequestsPerSecond
	cfg.AutoReconnect = c.Gateway.AutoReconnect
	cfg.ReconnectInterval = time.Duration(c.Gateway.ReconnectIntervalSec) * time.Second
	cfg.MaxReconnectTries = c.Gateway.MaxReconnectTries
	cfg.PaperTrading = !cfg.IsLivePort()
	return cfg
}

// ExecutionConfig converts to execution.Config.
func (c *Config) ExecutionConfig() execution.Config {
	return execution.Config{
		Dwell:               time.Duration(c.Execution.DwellSec) * time.Second,
		CancelSettle:        c.CancelSettle(),
		Pause:               time.Duration(c.Execution.PauseMs) * time.Millisecond,
		SliceInterval:       time.Duration(c.Execution.SliceIntervalSec) * time.Second,
		MaxAttemptsPerSlice: c.Execution.MaxAttemptsPerSlice,
		MaxSliceDuration:    time.Duration(c.Execution.MaxSliceDurationSec) * time.Second,
		OrderType:           types.OrderType(c.Execution.OrderType),
		CancelScope:         execution.CancelScope(c.Execution.CancelScope),
		TIF:                 c.Execution.TIF,
	}
}

// AgentConfig converts to agent.Config.
func (c *Config) AgentConfig() (agent.Config, error) {
	cfg := agent.Config{
		Account:        c.Account.ID,
		Instruments:    c.Contracts(),
		RequestTimeout: time.Duration(c.Gateway.RequestTimeoutSec) * time.Second,
		StreamTimeout:  time.Duration(c.Gateway.StreamTimeoutSec) * time.Second,
		CancelSettle:   c.CancelSettle(),
		History: agent.HistoryConfig{
			WhatToShow: c.History.WhatToShow,
			UseRTH:     !c.History.IncludeExtendedHours,
			Timeout:    time.Duration(c.History.TimeoutSec) * time.Second,
			FirstReqID: c.History.FirstReqID,
		},
		Execution: c.ExecutionConfig(),
	}
	if int64(len(cfg.Instruments)) > cfg.History.FirstReqID {
		return cfg, fmt.Errorf("history.first_req_id %d overlaps ticker ids", cfg.History.FirstReqID)
	}
	return cfg, nil
}

// PaperConfig converts to paper.Config.
func (c *Config) PaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	if c.Account.ID != "" {
		cfg.Account = c.Account.ID
	}
	cfg.FillRatio = c.Broker.Paper.FillRatio
	cfg.Latency = time.Duration(c.Broker.Paper.LatencyMs) * time.Millisecond

	cfg.Prices = make(map[string]decimal.Decimal, len(c.Broker.Paper.Prices))
	for sym, px := range c.Broker.Paper.Prices {
		cfg.Prices[strings.ToUpper(sym)] = decimal.NewFromFloat(px)
	}
	cfg.Positions = make(map[string]int64, len(c.Broker.Paper.Positions))
	for sym, qty := range c.Broker.Paper.Positions {
		cfg.Positions[strings.ToUpper(sym)] = qty
	}
	return cfg
}

// MetricsServerConfig converts to metrics.ServerConfig.
func (c *Config) MetricsServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Addr = c.Metrics.Addr
	cfg.MetricsPath = c.Metrics.Path
	return cfg
}

// CancelSettle returns the pause after a global cancel.
func (c *Config) CancelSettle() time.Duration {
	return time.Duration(c.Execution.CancelSettleMs) * time.Millisecond
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}
