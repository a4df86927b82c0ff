// Package errclass decides what to do with gateway error notices.
package errclass

import (
	"fmt"
	"log/slog"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/correlation"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Decision is the outcome of classifying an error code.
type Decision int

const (
	// Ignore drops the notice. Logged at debug only.
	Ignore Decision = iota
	// Log records the notice at error severity.
	Log
	// Warn records a connectivity notice at warn severity.
	Warn
	// Fail fails the pending request carrying the notice's request id.
	Fail
)

func (d Decision) String() string {
	switch d {
	case Ignore:
		return "suppressed"
	case Log:
		return "logged"
	case Warn:
		return "connectivity"
	case Fail:
		return "fail_pending"
	default:
		return "unknown"
	}
}

// Gateway error codes the agent knows about.
const (
	CodeNoSecurityDefinition = 200
	CodeOrderRejected        = 201
	CodeOrderCancelled       = 202
	CodeOrderModifyRejected  = 203
	CodeRequestValidation    = 321
	CodeHistoricalData       = 162
	CodeNoMarketData         = 354
	CodeOrderNotFound        = 10147
	CodeHistoricalDelayed    = 10167
	CodeCompetingSession     = 10197
	CodeNotConnected         = 504
	CodeConnectivityLost     = 1100
	CodeRestoredDataLost     = 1101
	CodeRestoredDataKept     = 1102
	CodeMarketFarmOK         = 2104
	CodeHistoryFarmOK        = 2106
	CodeFarmBroken           = 2110
	CodeSecDefFarmOK         = 2158
	CodeTWSNotInstalled      = 502
)

var suppressed = map[int]bool{
	CodeMarketFarmOK:     true,
	CodeHistoryFarmOK:    true,
	CodeSecDefFarmOK:     true,
	CodeCompetingSession: true,
	CodeOrderNotFound:    true,
	CodeOrderCancelled:   true,
}

var failPending = map[int]bool{
	CodeNoSecurityDefinition: true,
	CodeOrderRejected:        true,
	CodeOrderModifyRejected:  true,
	CodeRequestValidation:    true,
	CodeHistoricalData:       true,
	CodeNoMarketData:         true,
	CodeHistoricalDelayed:    true,
}

var connectivity = map[int]bool{
	CodeConnectivityLost: true,
	CodeRestoredDataLost: true,
	CodeRestoredDataKept: true,
	CodeFarmBroken:       true,
	CodeNotConnected:     true,
	CodeTWSNotInstalled:  true,
}

// Classify maps an error code to a decision.
func Classify(code int) Decision {
	switch {
	case suppressed[code]:
		return Ignore
	case failPending[code]:
		return Fail
	case connectivity[code]:
		return Warn
	default:
		return Log
	}
}

// Order ids, ticker ids and history request ids share one number space, so a
// rejection only fails requests of the kinds its code can refer to.
var failTargets = map[int][]correlation.Category{
	CodeNoSecurityDefinition: {correlation.CategoryOrderStatus, correlation.CategoryMarketData, correlation.CategoryHistoricalBars},
	CodeOrderRejected:        {correlation.CategoryOrderStatus},
	CodeOrderModifyRejected:  {correlation.CategoryOrderStatus},
	CodeHistoricalData:       {correlation.CategoryHistoricalBars},
	CodeNoMarketData:         {correlation.CategoryMarketData, correlation.CategoryHistoricalBars},
	CodeHistoricalDelayed:    {correlation.CategoryMarketData, correlation.CategoryHistoricalBars},
}

// Targets returns the request categories a failing code applies to. Nil
// means any category.
func Targets(code int) []correlation.Category {
	return failTargets[code]
}

// GatewayError is a rejection reported by the gateway.
type GatewayError struct {
	ReqID   int64
	Code    int
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d (id=%d): %s", e.Code, e.ReqID, e.Message)
}

// Unwrap lets callers test for types.ErrRejected.
func (e *GatewayError) Unwrap() error {
	return types.ErrRejected
}

// NewGatewayError builds a GatewayError from an error event.
func NewGatewayError(ev broker.ErrorEvent) *GatewayError {
	return &GatewayError{ReqID: ev.ReqID, Code: ev.Code, Message: ev.Message}
}

// Classifier logs and counts error notices.
type Classifier struct {
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// New creates a classifier.
func New(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}
}

// Handle classifies ev, logs it at the matching severity and returns the
// decision. It never touches agent state.
func (c *Classifier) Handle(ev broker.ErrorEvent) Decision {
	d := Classify(ev.Code)
	c.recorder.RecordGatewayError(d.String())

	attrs := []any{"req_id", ev.ReqID, "code", ev.Code, "msg", ev.Message}
	switch d {
	case Ignore:
		c.logger.Debug("gateway notice", attrs...)
	case Warn:
		c.logger.Warn("gateway connectivity", attrs...)
	case Fail:
		c.logger.Warn("gateway rejected request", attrs...)
	default:
		c.logger.Error("gateway error", attrs...)
	}
	return d
}
