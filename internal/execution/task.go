package execution

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Task asks the engine to move a position by Delta over Span slices.
type Task struct {
	ID       string
	Contract broker.Contract
	Side     types.Action
	Delta    int64
	Span     int
}

// NewTask creates a task with a fresh id. The side is derived from delta.
func NewTask(contract broker.Contract, delta int64, span int) Task {
	return Task{
		ID:       uuid.NewString(),
		Contract: contract,
		Side:     types.ActionForDelta(delta),
		Delta:    delta,
		Span:     span,
	}
}

// Validate checks that the task is executable.
func (t Task) Validate() error {
	if err := t.Contract.Validate(); err != nil {
		return err
	}
	if t.Span < 1 {
		return fmt.Errorf("span %d: %w", t.Span, types.ErrInvalidSpan)
	}
	if t.Delta != 0 && t.Side != types.ActionForDelta(t.Delta) {
		return fmt.Errorf("side %s with delta %d: %w", t.Side, t.Delta, types.ErrSideMismatch)
	}
	return nil
}

// SliceTarget returns the position the k-th slice (1-based) converges to.
// Intermediate targets round half away from zero. The last slice always
// targets initial+Delta exactly.
func (t Task) SliceTarget(initial int64, k int) int64 {
	if k >= t.Span {
		return initial + t.Delta
	}

	num := t.Delta * int64(k)
	span := int64(t.Span)
	q, r := num/span, num%span
	if 2*types.Abs(r) >= span {
		if num < 0 {
			q--
		} else {
			q++
		}
	}
	return initial + q
}

// Status is the final state of a task.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
	StatusAborted    Status = "aborted"
	StatusFailed     Status = "failed"
)

// State is a step of the engine's state machine.
type State string

const (
	StateStarted         State = "started"
	StateSliceAttempting State = "slice_attempting"
	StateSliceWaiting    State = "slice_waiting"
	StateSliceConverged  State = "slice_converged"
	StateDone            State = "done"
	StateIncomplete      State = "incomplete"
	StateAborted         State = "aborted"
)

// SliceReport describes one slice.
type SliceReport struct {
	Index    int
	Target   int64
	Holding  int64
	Attempts int
	Reached  bool
	OrderIDs []int64
	Duration time.Duration
}

// Report summarises a finished task.
type Report struct {
	TaskID     string
	Symbol     string
	Side       types.Action
	Initial    int64
	Target     int64
	Final      int64
	Status     Status
	Slices     []SliceReport
	StartedAt  time.Time
	FinishedAt time.Time
}

// Orders returns the number of orders placed across all slices.
func (r *Report) Orders() int {
	n := 0
	for _, s := range r.Slices {
		n += len(s.OrderIDs)
	}
	return n
}
