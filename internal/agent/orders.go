package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/alerting"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/correlation"
	"github.com/tathienbao/ibkr-agent/internal/execution"
	"github.com/tathienbao/ibkr-agent/internal/ledger"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// PlaceOrder allocates an order id, submits the order and waits for its
// first status. The id is returned even when the gateway rejects the order
// so the caller can still cancel it.
func (a *Agent) PlaceOrder(ctx context.Context, contract broker.Contract, order broker.Order) (int64, error) {
	switch order.Type {
	case types.OrderTypeLimit, types.OrderTypeMarket:
	default:
		return 0, fmt.Errorf("order type %q: %w", order.Type, types.ErrUnknownOrderType)
	}
	if order.Quantity <= 0 {
		return 0, fmt.Errorf("quantity %d: %w", order.Quantity, types.ErrInvalidOrderSize)
	}

	a.orderMu.Lock()
	defer a.orderMu.Unlock()

	id, err := a.allocateOrderID(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	payload, err := a.corr.Do(ctx, correlation.CategoryOrderStatus, id, func() error {
		return a.session.Send(ctx, broker.PlaceOrder{OrderID: id, Contract: contract, Order: order})
	})

	status := "error"
	switch {
	case err == nil:
		if st, ok := payload.(broker.OrderStatus); ok {
			status = st.Status
			a.logger.Info("order acknowledged",
				"order_id", id,
				"symbol", contract.Symbol,
				"action", order.Action.String(),
				"quantity", order.Quantity,
				"limit", order.LimitPrice.String(),
				"status", st.Status,
				"filled", st.Filled,
				"latency", time.Since(start),
			)
		}
	case errors.Is(err, types.ErrRejected):
		status = "rejected"
		a.notify(alerting.EventOrderRejected, "order rejected", "order_id", id, "symbol", contract.Symbol, "err", err.Error())
	}
	a.recorder.RecordOrder(contract.Symbol, order.Action.String(), status)

	return id, err
}

// allocateOrderID asks the gateway for the next valid id and reserves it.
// The local counter never hands out an id twice even if the grant lags
// behind orders already placed.
func (a *Agent) allocateOrderID(ctx context.Context) (int64, error) {
	payload, err := a.corr.Do(ctx, correlation.CategoryIdentifierAllocation, correlation.AnyID, func() error {
		return a.session.Send(ctx, broker.ReqIDs{})
	})
	if err != nil {
		return 0, fmt.Errorf("allocate order id: %w", err)
	}

	id, _ := payload.(int64)
	if next := a.corr.NextOrderID(); next > id {
		id = next
	}
	a.corr.SetNextOrderID(id + 1)
	return id, nil
}

// CancelOrder requests cancellation of one order. The gateway's answer is
// not awaited; the next position refresh is authoritative.
func (a *Agent) CancelOrder(ctx context.Context, orderID int64) error {
	if err := a.session.Send(ctx, broker.CancelOrder{OrderID: orderID}); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// RefreshPosition takes a fresh snapshot and returns the net position of
// contract.
func (a *Agent) RefreshPosition(ctx context.Context, contract broker.Contract) (int64, error) {
	if _, err := a.refresh(ctx); err != nil {
		return 0, err
	}
	return a.ledger.NetPosition(contract), nil
}

func (a *Agent) refresh(ctx context.Context) ([]ledger.Record, error) {
	a.refreshMu.Lock()
	defer a.refreshMu.Unlock()
	return a.ledger.Refresh(ctx)
}

// requestPositions issues one snapshot request; the router commits the
// rows on PositionEnd.
func (a *Agent) requestPositions(ctx context.Context) error {
	_, err := a.corr.Do(ctx, correlation.CategoryAccountData, correlation.AnyID, func() error {
		return a.session.Send(ctx, broker.ReqPositions{})
	})
	if err != nil {
		return err
	}
	if err := a.session.Send(ctx, broker.CancelPositions{}); err != nil {
		a.logger.Debug("cancel position updates failed", "err", err)
	}
	return nil
}

// gateway adapts the agent to the execution engine. Its global cancel does
// not settle; the engine applies its own settle time.
type gateway struct {
	a *Agent
}

func (g gateway) PlaceOrder(ctx context.Context, contract broker.Contract, order broker.Order) (int64, error) {
	return g.a.PlaceOrder(ctx, contract, order)
}

func (g gateway) CancelOrder(ctx context.Context, orderID int64) error {
	return g.a.CancelOrder(ctx, orderID)
}

func (g gateway) CancelAllOpenOrders(ctx context.Context) error {
	return g.a.session.Send(ctx, broker.GlobalCancel{})
}

func (g gateway) RefreshPosition(ctx context.Context, contract broker.Contract) (int64, error) {
	return g.a.RefreshPosition(ctx, contract)
}

func (g gateway) LastPrice(symbol string) (decimal.Decimal, bool) {
	return g.a.LastPrice(symbol)
}

var (
	_ execution.OrderRouter    = gateway{}
	_ execution.PositionSource = gateway{}
	_ execution.PriceSource    = gateway{}
)
