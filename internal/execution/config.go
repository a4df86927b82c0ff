package execution

import (
	"errors"
	"fmt"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/types"
)

// CancelScope selects what the engine cancels after each dwell.
type CancelScope string

const (
	// CancelScopeOrder cancels only the order placed by the attempt.
	CancelScopeOrder CancelScope = "order"
	// CancelScopeGlobal cancels every open order of the account.
	CancelScopeGlobal CancelScope = "global"
)

// Config holds execution engine settings.
type Config struct {
	// Dwell is how long an order rests before it is cancelled.
	Dwell time.Duration
	// CancelSettle is the pause after a global cancel.
	CancelSettle time.Duration
	// Pause follows each position refresh.
	Pause time.Duration
	// SliceInterval is the spacing between slice starts.
	SliceInterval time.Duration

	// MaxAttemptsPerSlice bounds order attempts inside one slice (0 = unbounded).
	MaxAttemptsPerSlice int
	// MaxSliceDuration bounds wall time spent in one slice (0 = unbounded).
	MaxSliceDuration time.Duration

	OrderType   types.OrderType
	CancelScope CancelScope
	TIF         string
}

// DefaultConfig returns the production pacing.
func DefaultConfig() Config {
	return Config{
		Dwell:               10 * time.Second,
		CancelSettle:        time.Second,
		Pause:               time.Second,
		SliceInterval:       time.Minute,
		MaxAttemptsPerSlice: 30,
		MaxSliceDuration:    15 * time.Minute,
		OrderType:           types.OrderTypeLimit,
		CancelScope:         CancelScopeOrder,
		TIF:                 "DAY",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error

	if c.Dwell < 0 || c.CancelSettle < 0 || c.Pause < 0 || c.SliceInterval < 0 || c.MaxSliceDuration < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.MaxAttemptsPerSlice < 0 {
		errs = append(errs, errors.New("max_attempts_per_slice must not be negative"))
	}
	switch c.OrderType {
	case types.OrderTypeLimit, types.OrderTypeMarket:
	default:
		errs = append(errs, fmt.Errorf("order type %q: %w", c.OrderType, types.ErrUnknownOrderType))
	}
	switch c.CancelScope {
	case CancelScopeOrder, CancelScopeGlobal:
	default:
		errs = append(errs, fmt.Errorf("unknown cancel scope %q", c.CancelScope))
	}

	return errors.Join(errs...)
}
