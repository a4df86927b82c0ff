package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/execution"
)

// ExecutionSummary is the operator-facing digest of an execution report.
type ExecutionSummary struct {
	TaskID   string
	Symbol   string
	Side     string
	Initial  int64
	Target   int64
	Final    int64
	Status   execution.Status
	Slices   int
	Reached  int
	Attempts int
	Orders   int
	Duration time.Duration
}

// NewExecutionSummary digests r.
func NewExecutionSummary(r *execution.Report) ExecutionSummary {
	s := ExecutionSummary{
		TaskID:   r.TaskID,
		Symbol:   r.Symbol,
		Side:     r.Side.String(),
		Initial:  r.Initial,
		Target:   r.Target,
		Final:    r.Final,
		Status:   r.Status,
		Slices:   len(r.Slices),
		Orders:   r.Orders(),
		Duration: r.FinishedAt.Sub(r.StartedAt),
	}
	for _, sl := range r.Slices {
		s.Attempts += sl.Attempts
		if sl.Reached {
			s.Reached++
		}
	}
	return s
}

// Shortfall is the signed quantity still missing to reach the target.
func (s ExecutionSummary) Shortfall() int64 {
	return s.Target - s.Final
}

// Event maps the execution status onto an alert event.
func (s ExecutionSummary) Event() Event {
	switch s.Status {
	case execution.StatusCompleted:
		return EventExecutionCompleted
	case execution.StatusIncomplete:
		return EventExecutionIncomplete
	case execution.StatusAborted:
		return EventExecutionAborted
	default:
		return EventExecutionFailed
	}
}

// Fields returns the summary as alert key/value pairs.
func (s ExecutionSummary) Fields() []any {
	return []any{
		"task_id", s.TaskID,
		"symbol", s.Symbol,
		"side", s.Side,
		"initial", s.Initial,
		"target", s.Target,
		"final", s.Final,
		"shortfall", s.Shortfall(),
		"slices", s.Slices,
		"attempts", s.Attempts,
		"orders", s.Orders,
		"duration", s.Duration.Round(time.Second).String(),
	}
}

// SummarySender is implemented by alerters with a dedicated report format.
type SummarySender interface {
	SendExecutionSummary(ctx context.Context, s ExecutionSummary) error
}

// Report delivers s through a, using its report format when it has one.
func Report(ctx context.Context, a Alerter, s ExecutionSummary) error {
	if a == nil {
		return nil
	}
	if sender, ok := a.(SummarySender); ok {
		return sender.SendExecutionSummary(ctx, s)
	}
	msg := fmt.Sprintf("execution %s: %s %s %d -> %d (final %d)", s.Status, s.Side, s.Symbol, s.Initial, s.Target, s.Final)
	return Notify(ctx, a, s.Event(), msg, s.Fields()...)
}
