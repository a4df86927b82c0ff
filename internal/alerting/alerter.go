// Package alerting delivers operator notifications for execution outcomes
// and gateway connectivity.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields renders key/value pairs one per line. A trailing key without
// a value and non-string keys are skipped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// Event is a pre-defined alert type raised by the agent.
type Event string

const (
	EventAgentStarted       Event = "agent_started"
	EventAgentStopped       Event = "agent_stopped"
	EventConnectionLost     Event = "connection_lost"
	EventConnectionRestored Event = "connection_restored"
	EventExecutionCompleted Event = "execution_completed"
	EventExecutionFailed    Event = "execution_failed"
	EventExecutionAborted   Event = "execution_aborted"

	// EventExecutionIncomplete is raised when a slice exhausted its attempt
	// or time budget and the position was left short of target.
	EventExecutionIncomplete Event = "execution_incomplete"
	EventOrderRejected       Event = "order_rejected"
	EventOrdersCancelled     Event = "orders_cancelled"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event Event) Severity {
	switch event {
	case EventExecutionIncomplete, EventConnectionLost:
		return SeverityHigh
	case EventExecutionFailed, EventExecutionAborted, EventOrderRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Notify sends event through a at the event's default severity. The event
// name is appended to fields under "event".
func Notify(ctx context.Context, a Alerter, event Event, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	fields = append(fields, "event", string(event))
	return a.Alert(ctx, EventSeverity(event), message, fields...)
}
