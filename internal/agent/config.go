package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/execution"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// HistoryConfig controls historical bar requests.
type HistoryConfig struct {
	WhatToShow string
	UseRTH     bool
	Timeout    time.Duration
	// FirstReqID is the request id of the first instrument; the others
	// follow in instrument order.
	FirstReqID int64
}

// Config holds agent settings.
type Config struct {
	// Account restricts net positions to one account when set.
	Account     string
	Instruments []broker.Contract

	RequestTimeout time.Duration
	StreamTimeout  time.Duration
	CancelSettle   time.Duration

	History   HistoryConfig
	Execution execution.Config
}

// DefaultConfig returns default agent configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		StreamTimeout:  5 * time.Second,
		CancelSettle:   time.Second,
		History: HistoryConfig{
			WhatToShow: "ADJUSTED_LAST",
			UseRTH:     true,
			Timeout:    2 * time.Minute,
			FirstReqID: 1000,
		},
		Execution: execution.DefaultConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error

	if len(c.Instruments) == 0 {
		errs = append(errs, errors.New("at least one instrument is required"))
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if err := inst.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("instrument %q: %w", inst.Symbol, err))
		}
		if seen[inst.Symbol] {
			errs = append(errs, fmt.Errorf("instrument %q listed twice", inst.Symbol))
		}
		seen[inst.Symbol] = true
	}
	if c.RequestTimeout < 0 || c.StreamTimeout < 0 || c.CancelSettle < 0 || c.History.Timeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if err := c.Execution.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	return nil
}
