package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// abandonTimeout bounds the cancel sent when an attempt is cut short.
const abandonTimeout = 5 * time.Second

// Engine runs execution tasks.
type Engine struct {
	cfg       Config
	orders    OrderRouter
	positions PositionSource
	prices    PriceSource
	logger    *slog.Logger
	recorder  *metrics.Recorder
}

// NewEngine creates an execution engine.
func NewEngine(cfg Config, orders OrderRouter, positions PositionSource, prices PriceSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		orders:    orders,
		positions: positions,
		prices:    prices,
		logger:    logger,
		recorder:  metrics.NewRecorder(),
	}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// run carries the mutable state of one task.
type run struct {
	task    Task
	log     *slog.Logger
	report  *Report
	holding int64
}

func (r *run) state(s State, attrs ...any) {
	r.log.Info("execution "+string(s), attrs...)
}

// reached reports whether the holding is at or past target in the direction
// of travel without passing the task's final target.
func (r *run) reached(target int64) bool {
	sign := r.task.Side.Sign()
	return sign*(r.holding-target) >= 0 && sign*(r.holding-r.report.Target) <= 0
}

// aim returns the position an attempt should move to. Past the final target
// the engine corrects back to the final target, not to the slice target.
func (r *run) aim(target int64) int64 {
	if r.task.Side.Sign()*(r.holding-r.report.Target) > 0 {
		return r.report.Target
	}
	return target
}

// Execute converges the position of task.Contract from its current value to
// current+task.Delta. It always returns a report once the task started. The
// error is types.ErrExecutionIncomplete when a slice could not converge
// within its bounds, and the context error when cancelled.
func (e *Engine) Execute(ctx context.Context, task Task) (*Report, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}

	r := &run{
		task: task,
		log: e.logger.With(
			"task_id", task.ID,
			"symbol", task.Contract.Symbol,
			"side", task.Side.String(),
			"delta", task.Delta,
			"span", task.Span,
		),
		report: &Report{
			TaskID:    task.ID,
			Symbol:    task.Contract.Symbol,
			Side:      task.Side,
			StartedAt: time.Now(),
		},
	}

	err := e.execute(ctx, r)

	r.report.Final = r.holding
	r.report.FinishedAt = time.Now()
	switch {
	case err == nil:
		r.report.Status = StatusCompleted
		r.state(StateDone, "final", r.holding)
	case errors.Is(err, types.ErrExecutionIncomplete):
		r.report.Status = StatusIncomplete
		r.state(StateIncomplete, "final", r.holding, "target", r.report.Target, "err", err)
	case ctx.Err() != nil:
		r.report.Status = StatusAborted
		r.state(StateAborted, "final", r.holding, "err", err)
	default:
		r.report.Status = StatusFailed
		r.log.Error("execution failed", "final", r.holding, "err", err)
	}
	e.recorder.RecordExecution(task.Contract.Symbol, string(r.report.Status))

	return r.report, err
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	task := r.task

	initial, err := e.positions.RefreshPosition(ctx, task.Contract)
	if err != nil {
		return fmt.Errorf("initial position: %w", err)
	}
	r.holding = initial
	r.report.Initial = initial
	r.report.Target = initial + task.Delta
	r.state(StateStarted, "initial", initial, "target", r.report.Target)

	if task.Delta == 0 {
		return nil
	}

	for k := 1; k <= task.Span; k++ {
		sliceStart := time.Now()
		target := task.SliceTarget(initial, k)

		sr, err := e.converge(ctx, r, k, target, sliceStart)
		r.report.Slices = append(r.report.Slices, sr)
		if err != nil {
			return err
		}

		if r.holding == r.report.Target {
			return nil
		}
		if k == task.Span {
			break
		}

		r.state(StateSliceWaiting, "slice", k, "next_slice_at", sliceStart.Add(e.cfg.SliceInterval))
		if err := sleep(ctx, time.Until(sliceStart.Add(e.cfg.SliceInterval))); err != nil {
			return err
		}
	}

	return nil
}

// converge runs order attempts until the slice target is reached.
func (e *Engine) converge(ctx context.Context, r *run, k int, target int64, start time.Time) (SliceReport, error) {
	sr := SliceReport{Index: k, Target: target}
	outcome := "converged"
	defer func() {
		sr.Holding = r.holding
		sr.Duration = time.Since(start)
		e.recorder.RecordSlice(r.task.Contract.Symbol, outcome, sr.Attempts)
	}()

	for !r.reached(target) {
		if e.cfg.MaxAttemptsPerSlice > 0 && sr.Attempts >= e.cfg.MaxAttemptsPerSlice {
			outcome = "incomplete"
			return sr, fmt.Errorf("slice %d stalled at %d of %d after %d attempts: %w",
				k, r.holding, target, sr.Attempts, types.ErrExecutionIncomplete)
		}
		if e.cfg.MaxSliceDuration > 0 && time.Since(start) >= e.cfg.MaxSliceDuration {
			outcome = "incomplete"
			return sr, fmt.Errorf("slice %d stalled at %d of %d after %s: %w",
				k, r.holding, target, time.Since(start).Round(time.Millisecond), types.ErrExecutionIncomplete)
		}

		sr.Attempts++
		orderID, err := e.attempt(ctx, r, k, target)
		if orderID > 0 {
			sr.OrderIDs = append(sr.OrderIDs, orderID)
		}
		if err != nil {
			if ctx.Err() != nil {
				outcome = "aborted"
				return sr, ctx.Err()
			}
			outcome = "failed"
			return sr, err
		}
	}

	sr.Reached = true
	r.state(StateSliceConverged, "slice", k, "target", target, "attempts", sr.Attempts)
	return sr, nil
}

// attempt places one order toward target, lets it rest, cancels what is
// left and refreshes the holding. A rejected order, or one whose status did
// not arrive in time, still counts as an attempt.
func (e *Engine) attempt(ctx context.Context, r *run, k int, target int64) (int64, error) {
	target = r.aim(target)
	residual := target - r.holding
	side := types.ActionForDelta(residual)
	if side == r.task.Side.Opposite() {
		r.log.Warn("position overshot final target, sending corrective order",
			"slice", k,
			"holding", r.holding,
			"target", target,
		)
	}

	order, err := e.buildOrder(r.task, side, types.Abs(residual))
	if err != nil {
		return 0, err
	}

	r.state(StateSliceAttempting,
		"slice", k,
		"target", target,
		"holding", r.holding,
		"action", side.String(),
		"quantity", order.Quantity,
		"limit", order.LimitPrice.String(),
	)

	orderID, err := e.orders.PlaceOrder(ctx, r.task.Contract, order)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrRejected):
		r.log.Warn("order rejected", "slice", k, "err", err)
	case ctx.Err() != nil:
		e.abandon(orderID)
		return orderID, ctx.Err()
	case errors.Is(err, types.ErrRequestTimeout):
		// The order may be resting without an acknowledgement; the cancel
		// and refresh below settle it like any other attempt.
		r.log.Warn("order status timed out", "slice", k, "order_id", orderID, "err", err)
	default:
		e.abandon(orderID)
		return orderID, fmt.Errorf("place order: %w", err)
	}

	if err := sleep(ctx, e.cfg.Dwell); err != nil {
		e.abandon(orderID)
		return orderID, err
	}
	if err := e.cancel(ctx, orderID); err != nil {
		e.abandon(orderID)
		return orderID, err
	}

	holding, err := e.positions.RefreshPosition(ctx, r.task.Contract)
	if err != nil {
		return orderID, fmt.Errorf("refresh position: %w", err)
	}
	r.holding = holding

	return orderID, sleep(ctx, e.cfg.Pause)
}

func (e *Engine) buildOrder(task Task, side types.Action, qty int64) (broker.Order, error) {
	order := broker.Order{
		Action:   side,
		Type:     e.cfg.OrderType,
		Quantity: qty,
		TIF:      e.cfg.TIF,
		OrderRef: task.ID,
		Transmit: true,
	}

	switch e.cfg.OrderType {
	case types.OrderTypeMarket:
	case types.OrderTypeLimit:
		price, ok := e.prices.LastPrice(task.Contract.Symbol)
		if !ok {
			return broker.Order{}, fmt.Errorf("%s: %w", task.Contract.Symbol, types.ErrNoReferencePrice)
		}
		order.LimitPrice = price
	default:
		return broker.Order{}, fmt.Errorf("order type %q: %w", e.cfg.OrderType, types.ErrUnknownOrderType)
	}
	return order, nil
}

// cancel removes whatever remains of the attempt's order. Cancel failures
// other than context cancellation are logged and ignored; the refresh that
// follows is the source of truth.
func (e *Engine) cancel(ctx context.Context, orderID int64) error {
	var err error
	switch e.cfg.CancelScope {
	case CancelScopeGlobal:
		err = e.orders.CancelAllOpenOrders(ctx)
		if err == nil {
			err = sleep(ctx, e.cfg.CancelSettle)
		}
	default:
		if orderID <= 0 {
			return nil
		}
		err = e.orders.CancelOrder(ctx, orderID)
	}

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("cancel failed", "order_id", orderID, "scope", string(e.cfg.CancelScope), "err", err)
	}
	return nil
}

// abandon cancels the attempt's order after the task's context has ended
// or the attempt failed, so no order outlives the task.
func (e *Engine) abandon(orderID int64) {
	if orderID <= 0 && e.cfg.CancelScope != CancelScopeGlobal {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abandonTimeout)
	defer cancel()

	if err := e.cancel(ctx, orderID); err != nil {
		e.logger.Warn("cancel after abort failed", "order_id", orderID, "err", err)
		return
	}
	e.logger.Info("order cancelled after abort", "order_id", orderID, "scope", string(e.cfg.CancelScope))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
