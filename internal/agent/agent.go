// Package agent exposes the synchronous command surface over an
// asynchronous gateway session.
//
// A single router goroutine consumes the session's events and is the only
// writer of the position ledger, the price book and the order id counter.
// Commands block on the correlator until the router completes their
// request.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tathienbao/ibkr-agent/internal/alerting"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/correlation"
	"github.com/tathienbao/ibkr-agent/internal/errclass"
	"github.com/tathienbao/ibkr-agent/internal/execution"
	"github.com/tathienbao/ibkr-agent/internal/ledger"
	"github.com/tathienbao/ibkr-agent/internal/marketdata"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/store"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// ErrNotStarted is returned by commands issued before Start.
var ErrNotStarted = errors.New("agent not started")

// Deps are the optional collaborators of an Agent.
type Deps struct {
	Store   store.BarStore
	Alerter alerting.Alerter
	Logger  *slog.Logger
}

// Agent is the trading agent.
type Agent struct {
	cfg      Config
	session  broker.Session
	store    store.BarStore
	alerter  alerting.Alerter
	logger   *slog.Logger
	recorder *metrics.Recorder

	corr       *correlation.Correlator
	ledger     *ledger.Ledger
	book       *marketdata.Book
	history    *marketdata.History
	classifier *errclass.Classifier
	engine     *execution.Engine

	instruments map[string]broker.Contract

	// refreshMu serialises position snapshots so one refresh cannot reset
	// another's staging.
	refreshMu sync.Mutex
	// orderMu serialises id allocation with order placement.
	orderMu sync.Mutex

	streamMu  sync.Mutex
	streaming map[string]bool

	routerOnce sync.Once
	running    atomic.Bool
	ready      atomic.Bool
	lost       atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup
	alerts     sync.WaitGroup
}

// New creates an agent over session.
func New(cfg Config, session broker.Session, deps Deps) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Agent{
		cfg:         cfg,
		session:     session,
		store:       deps.Store,
		alerter:     deps.Alerter,
		logger:      logger,
		recorder:    metrics.NewRecorder(),
		corr:        correlation.New(cfg.RequestTimeout, logger),
		book:        marketdata.NewBook(),
		history:     marketdata.NewHistory(),
		classifier:  errclass.New(logger),
		instruments: make(map[string]broker.Contract, len(cfg.Instruments)),
		streaming:   make(map[string]bool),
		done:        make(chan struct{}),
	}
	a.ledger = ledger.New(cfg.Account, ledger.SnapshotFunc(a.requestPositions), logger)

	gw := gateway{a}
	a.engine = execution.NewEngine(cfg.Execution, gw, gw, gw, logger)

	for i, inst := range cfg.Instruments {
		a.instruments[inst.Symbol] = inst
		a.book.Track(int64(i), inst.Symbol)
	}

	return a, nil
}

// Start connects the session, starts the router and waits for the first
// order id grant.
func (a *Agent) Start(ctx context.Context) error {
	if a.ready.Load() {
		return nil
	}

	a.routerOnce.Do(func() {
		a.running.Store(true)
		a.wg.Add(1)
		go a.route()
	})

	_, err := a.corr.Do(ctx, correlation.CategoryIdentifierAllocation, correlation.AnyID, func() error {
		return a.session.Connect(ctx)
	})
	if err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	a.ready.Store(true)

	a.logger.Info("agent started",
		"instruments", len(a.cfg.Instruments),
		"next_order_id", a.corr.NextOrderID(),
	)
	a.notify(alerting.EventAgentStarted, "agent started", "instruments", a.symbols())
	return nil
}

// Close disconnects the session and waits for the router to drain.
func (a *Agent) Close() error {
	a.ready.Store(false)
	err := a.session.Disconnect()
	if a.running.Load() {
		a.wg.Wait()
		a.notify(alerting.EventAgentStopped, "agent stopped")
	}
	a.alerts.Wait()
	return err
}

// Done is closed when the router exits.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Connected reports whether the session is up.
func (a *Agent) Connected() bool {
	return a.session.State() == broker.StateConnected
}

// HealthCheck reports gateway connectivity for the metrics server.
func (a *Agent) HealthCheck() metrics.Check {
	state := a.session.State()
	switch state {
	case broker.StateConnected:
		return metrics.Check{Status: metrics.StatusHealthy}
	case broker.StateConnecting:
		return metrics.Check{Status: metrics.StatusDegraded, Message: "gateway connecting"}
	default:
		return metrics.Check{Status: metrics.StatusUnhealthy, Message: "gateway " + state.String()}
	}
}

// route consumes session events until the stream closes.
func (a *Agent) route() {
	defer a.wg.Done()
	defer close(a.done)

	for ev := range a.session.Events() {
		a.recorder.RecordEvent(broker.EventName(ev))
		a.dispatch(ev)
	}
	a.corr.FailAll(fmt.Errorf("session closed: %w", types.ErrConnectionLost))
	a.logger.Debug("event router stopped")
}

func (a *Agent) dispatch(ev broker.Event) {
	switch e := ev.(type) {
	case broker.Position:
		a.ledger.Apply(e)

	case broker.PositionEnd:
		n, current := a.ledger.End()
		if !current {
			return
		}
		for _, rec := range a.ledger.Table() {
			a.recorder.RecordPosition(rec.Symbol, rec.Quantity)
		}
		a.corr.Complete(correlation.CategoryAccountData, correlation.AnyID, n)

	case broker.NextValidID:
		a.corr.SetNextOrderID(e.OrderID)
		a.recorder.RecordGatewayStatus(true)
		a.corr.Complete(correlation.CategoryIdentifierAllocation, e.OrderID, e.OrderID)
		if a.lost.CompareAndSwap(true, false) {
			a.logger.Info("gateway session restored", "next_order_id", e.OrderID)
			a.notify(alerting.EventConnectionRestored, "gateway session restored")
		}

	case broker.OrderStatus:
		a.corr.Complete(correlation.CategoryOrderStatus, e.OrderID, e)

	case broker.ErrorEvent:
		if a.classifier.Handle(e) == errclass.Fail {
			a.failRequest(e)
		}

	case broker.TickPrice:
		symbol, isLast := a.book.Update(e)
		if isLast {
			a.recorder.RecordLastPrice(symbol, e.Price)
			a.corr.Complete(correlation.CategoryMarketData, e.TickerID, e.Price)
		}

	case broker.HistoricalBar:
		if !a.history.Add(e) {
			a.logger.Debug("dropping bar for unknown request", "req_id", e.ReqID)
		}

	case broker.HistoricalDataEnd:
		bars, ok := a.history.Finish(e.ReqID)
		if !ok {
			return
		}
		a.corr.Complete(correlation.CategoryHistoricalBars, e.ReqID, bars)

	case broker.ConnectionClosed:
		a.lost.Store(true)
		a.ledger.Reset()
		a.recorder.RecordGatewayStatus(false)
		n := a.corr.FailAll(fmt.Errorf("%w: %v", types.ErrConnectionLost, e.Err))
		a.logger.Warn("gateway connection lost", "err", e.Err, "failed_requests", n)
		a.notify(alerting.EventConnectionLost, "gateway connection lost", "err", fmt.Sprint(e.Err))
	}
}

// failRequest unblocks the request a rejection refers to. A rejected
// history request also drops its partial bars.
func (a *Agent) failRequest(e broker.ErrorEvent) {
	if e.ReqID < 0 {
		return
	}
	if a.corr.Fail(e.ReqID, errclass.NewGatewayError(e), errclass.Targets(e.Code)...) {
		a.history.Discard(e.ReqID)
	}
}

// notify alerts off the router goroutine so a slow sink cannot stall
// event delivery.
func (a *Agent) notify(event alerting.Event, msg string, fields ...any) {
	if a.alerter == nil {
		return
	}
	a.alerts.Add(1)
	go func() {
		defer a.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := alerting.Notify(ctx, a.alerter, event, msg, fields...); err != nil {
			a.logger.Warn("alert failed", "event", string(event), "err", err)
		}
	}()
}

func (a *Agent) lookup(symbol string) (broker.Contract, error) {
	c, ok := a.instruments[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return broker.Contract{}, fmt.Errorf("%q: %w", symbol, types.ErrUntrackedInstrument)
	}
	return c, nil
}

func (a *Agent) symbols() []string {
	out := make([]string, 0, len(a.cfg.Instruments))
	for _, inst := range a.cfg.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}

func (a *Agent) checkReady() error {
	if !a.ready.Load() {
		return ErrNotStarted
	}
	return nil
}
