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
	"github.com/tathienbao/ibkr-agent/internal/marketdata"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// Stream subscribes to trade prices for symbols (all tracked instruments
// when none are given) and waits for the first last-price tick of each.
// A missing first tick is logged, not returned.
func (a *Agent) Stream(ctx context.Context, symbols ...string) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if len(symbols) == 0 {
		symbols = a.symbols()
	}

	var errs []error
	for _, sym := range symbols {
		contract, err := a.lookup(sym)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.subscribe(ctx, contract); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) subscribe(ctx context.Context, contract broker.Contract) error {
	a.streamMu.Lock()
	defer a.streamMu.Unlock()

	if a.streaming[contract.Symbol] {
		return nil
	}
	tickerID := a.tickerID(contract.Symbol)

	price, err := a.corr.DoTimeout(ctx, correlation.CategoryMarketData, tickerID, a.cfg.StreamTimeout, func() error {
		return a.session.Send(ctx, broker.ReqMarketData{TickerID: tickerID, Contract: contract})
	})
	switch {
	case err == nil:
		a.logger.Info("streaming", "symbol", contract.Symbol, "ticker_id", tickerID, "last", price)
	case correlation.IsTimeout(err):
		a.logger.Warn("no trade price yet", "symbol", contract.Symbol, "timeout", a.cfg.StreamTimeout)
	default:
		return fmt.Errorf("stream %s: %w", contract.Symbol, err)
	}

	a.streaming[contract.Symbol] = true
	return nil
}

func (a *Agent) tickerID(symbol string) int64 {
	for i, inst := range a.cfg.Instruments {
		if inst.Symbol == symbol {
			return int64(i)
		}
	}
	return -1
}

// DownloadHistory fetches bars for every tracked instrument and stores them
// when a bar store is configured. Instruments that fail are reported in the
// joined error; the others are still returned.
func (a *Agent) DownloadHistory(ctx context.Context, duration, barSize string) (map[string][]types.Bar, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}

	out := make(map[string][]types.Bar, len(a.cfg.Instruments))
	var errs []error
	for i, contract := range a.cfg.Instruments {
		reqID := a.cfg.History.FirstReqID + int64(i)

		bars, err := a.fetchBars(ctx, reqID, contract, duration, barSize)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			a.logger.Warn("history download failed", "symbol", contract.Symbol, "req_id", reqID, "err", err)
			errs = append(errs, fmt.Errorf("history %s: %w", contract.Symbol, err))
			continue
		}
		out[contract.Symbol] = bars

		if a.store != nil {
			n, err := a.store.SaveBars(ctx, contract.Symbol, barSize, bars)
			if err != nil {
				errs = append(errs, fmt.Errorf("store %s: %w", contract.Symbol, err))
				continue
			}
			a.logger.Info("bars stored", "symbol", contract.Symbol, "bar_size", barSize, "rows", n)
		}
	}

	return out, errors.Join(errs...)
}

func (a *Agent) fetchBars(ctx context.Context, reqID int64, contract broker.Contract, duration, barSize string) ([]types.Bar, error) {
	a.history.Start(reqID, contract.Symbol)

	payload, err := a.corr.DoTimeout(ctx, correlation.CategoryHistoricalBars, reqID, a.cfg.History.Timeout, func() error {
		return a.session.Send(ctx, broker.ReqHistoricalData{
			ReqID:      reqID,
			Contract:   contract,
			Duration:   duration,
			BarSize:    barSize,
			WhatToShow: a.cfg.History.WhatToShow,
			UseRTH:     a.cfg.History.UseRTH,
		})
	})
	if err != nil {
		a.history.Discard(reqID)
		return nil, err
	}

	bars, _ := payload.([]types.Bar)
	a.logger.Info("history downloaded", "symbol", contract.Symbol, "bars", len(bars))
	return bars, nil
}

// Balance refreshes and returns the position table.
func (a *Agent) Balance(ctx context.Context) ([]ledger.Record, error) {
	if err := a.checkReady(); err != nil {
		return nil, err
	}
	return a.refresh(ctx)
}

// BalanceSingle refreshes positions and returns the signed net position of
// a tracked instrument.
func (a *Agent) BalanceSingle(ctx context.Context, symbol string) (int64, error) {
	contract, err := a.lookup(symbol)
	if err != nil {
		return 0, err
	}
	if err := a.checkReady(); err != nil {
		return 0, err
	}
	return a.RefreshPosition(ctx, contract)
}

// OpenPosition converges the holding of symbol onto targetSignal*unitSize
// over span slices. It returns nil and no error when the holding already
// matches.
func (a *Agent) OpenPosition(ctx context.Context, symbol string, targetSignal, unitSize int64, span int) (*execution.Report, error) {
	contract, err := a.lookup(symbol)
	if err != nil {
		return nil, err
	}
	if unitSize <= 0 {
		return nil, types.ErrInvalidUnitSize
	}
	if span < 1 {
		return nil, types.ErrInvalidSpan
	}
	if err := a.checkReady(); err != nil {
		return nil, err
	}

	holding, err := a.RefreshPosition(ctx, contract)
	if err != nil {
		return nil, err
	}
	target := targetSignal * unitSize
	return a.converge(ctx, contract, holding, target, span)
}

// ClosePosition flattens symbol in a single slice.
func (a *Agent) ClosePosition(ctx context.Context, symbol string) (*execution.Report, error) {
	contract, err := a.lookup(symbol)
	if err != nil {
		return nil, err
	}
	if err := a.checkReady(); err != nil {
		return nil, err
	}

	holding, err := a.RefreshPosition(ctx, contract)
	if err != nil {
		return nil, err
	}
	return a.converge(ctx, contract, holding, 0, 1)
}

func (a *Agent) converge(ctx context.Context, contract broker.Contract, holding, target int64, span int) (*execution.Report, error) {
	delta := target - holding
	if delta == 0 {
		a.logger.Info("position already at target", "symbol", contract.Symbol, "holding", holding)
		return nil, nil
	}

	task := execution.NewTask(contract, delta, span)
	a.logger.Info("execution requested",
		"task_id", task.ID,
		"symbol", contract.Symbol,
		"holding", holding,
		"target", target,
		"side", task.Side.String(),
		"span", span,
	)

	report, err := a.engine.Execute(ctx, task)
	if report != nil && report.Status != execution.StatusCompleted {
		a.report(report)
	}
	return report, err
}

func (a *Agent) report(r *execution.Report) {
	if a.alerter == nil {
		return
	}
	s := alerting.NewExecutionSummary(r)
	a.alerts.Add(1)
	go func() {
		defer a.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := alerting.Report(ctx, a.alerter, s); err != nil {
			a.logger.Warn("execution alert failed", "task_id", s.TaskID, "err", err)
		}
	}()
}

// CancelAllOpenOrders cancels every open order of the account and waits
// for the cancellations to settle.
func (a *Agent) CancelAllOpenOrders(ctx context.Context) error {
	if err := a.checkReady(); err != nil {
		return err
	}
	if err := a.session.Send(ctx, broker.GlobalCancel{}); err != nil {
		return fmt.Errorf("global cancel: %w", err)
	}
	a.logger.Info("global cancel sent", "settle", a.cfg.CancelSettle)

	timer := time.NewTimer(a.cfg.CancelSettle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Quote returns the latest quote of a tracked instrument.
func (a *Agent) Quote(symbol string) (marketdata.Quote, error) {
	contract, err := a.lookup(symbol)
	if err != nil {
		return marketdata.Quote{}, err
	}
	q, ok := a.book.Quote(contract.Symbol)
	if !ok || !q.HasLast() {
		return q, fmt.Errorf("%s: %w", contract.Symbol, types.ErrNoReferencePrice)
	}
	return q, nil
}

// LastPrice returns the latest trade price of symbol.
func (a *Agent) LastPrice(symbol string) (decimal.Decimal, bool) {
	return a.book.Last(symbol)
}
