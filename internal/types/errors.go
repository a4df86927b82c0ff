package types

import "errors"

// Sentinel errors for the agent.
var (
	// Correlation errors
	ErrRequestInFlight = errors.New("request of this category already in flight")
	ErrRequestTimeout  = errors.New("request timed out waiting for gateway")
	ErrRejected        = errors.New("request rejected by gateway")
	ErrSendFailed      = errors.New("request could not be sent")

	// Command errors
	ErrUntrackedInstrument = errors.New("instrument is not traded by this agent")
	ErrUnknownOrderType    = errors.New("unknown order type")
	ErrInvalidOrderSize    = errors.New("invalid order size")
	ErrInvalidUnitSize     = errors.New("unit size must be positive")
	ErrNoReferencePrice    = errors.New("no trade price observed for instrument")

	// Execution errors
	ErrSideMismatch        = errors.New("side does not agree with sign of position change")
	ErrInvalidSpan         = errors.New("span must be at least one slice")
	ErrExecutionIncomplete = errors.New("execution incomplete")

	// Connection errors
	ErrConnectionLost = errors.New("connection lost")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
)
