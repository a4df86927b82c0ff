// Package paper provides an in-process simulated venue implementing
// broker.Session, used for paper runs and integration tests.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// ErrClosed is returned by Connect and Send after Disconnect.
var ErrClosed = errors.New("paper venue closed")

// Gateway codes the venue reproduces.
const (
	codeNoSecurityDefinition = 200
	codeOrderRejected        = 201
	codeOrderCancelled       = 202
	codeHistoricalNoData     = 162
	codeCancelNotFound       = 10147
	codeDataFarmOK           = 2104
)

// Config holds paper venue configuration.
type Config struct {
	Account      string
	FirstOrderID int64

	// FillRatio is the share of a marketable order filled on arrival. The
	// rest rests until cancelled.
	FillRatio float64

	// Latency delays every response.
	Latency time.Duration

	EventBuffer int
	HistoryBars int

	Prices    map[string]decimal.Decimal
	Positions map[string]int64
}

// DefaultConfig returns default paper venue configuration.
func DefaultConfig() Config {
	return Config{
		Account:      "DU0000000",
		FirstOrderID: 1,
		FillRatio:    1,
		EventBuffer:  1024,
		HistoryBars:  20,
	}
}

type holding struct {
	contract broker.Contract
	quantity int64
	avgCost  decimal.Decimal
}

type restingOrder struct {
	req    broker.PlaceOrder
	filled int64
}

// Venue is a simulated gateway. Requests are answered by a single venue
// goroutine, in order, on the Events channel.
type Venue struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	state atomic.Int32

	mu            sync.Mutex
	prices        map[string]decimal.Decimal
	holdings      map[string]*holding
	order         []string
	conIDs        map[string]int64
	resting       map[int64]*restingOrder
	placed        []broker.PlaceOrder
	rejects       map[string]string
	subscriptions map[int64]string
	fillRatio     float64
	nextOrderID   int64

	requests  chan broker.Request
	inject    chan broker.Event
	events    chan broker.Event
	done      chan struct{}
	started   sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewVenue creates a paper venue.
func NewVenue(cfg Config, logger *slog.Logger) *Venue {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaults.EventBuffer
	}
	if cfg.FirstOrderID <= 0 {
		cfg.FirstOrderID = defaults.FirstOrderID
	}
	if cfg.Account == "" {
		cfg.Account = defaults.Account
	}

	v := &Venue{
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		prices:        make(map[string]decimal.Decimal),
		holdings:      make(map[string]*holding),
		conIDs:        make(map[string]int64),
		resting:       make(map[int64]*restingOrder),
		rejects:       make(map[string]string),
		subscriptions: make(map[int64]string),
		fillRatio:     clampRatio(cfg.FillRatio),
		nextOrderID:   cfg.FirstOrderID,
		requests:      make(chan broker.Request, 64),
		inject:        make(chan broker.Event, 64),
		events:        make(chan broker.Event, cfg.EventBuffer),
		done:          make(chan struct{}),
	}
	v.state.Store(int32(broker.StateDisconnected))

	for sym, p := range cfg.Prices {
		v.prices[sym] = p
	}
	symbols := make([]string, 0, len(cfg.Positions))
	for sym := range cfg.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		v.holdingFor(broker.USStock(sym)).quantity = cfg.Positions[sym]
	}

	return v
}

// Connect starts the venue goroutine. The venue greets with an identifier
// grant and a data-farm notice, as the real gateway does.
func (v *Venue) Connect(ctx context.Context) error {
	select {
	case <-v.done:
		return ErrClosed
	default:
	}

	v.state.Store(int32(broker.StateConnected))
	v.started.Do(func() {
		v.wg.Add(1)
		go v.run()
	})

	v.mu.Lock()
	next := v.nextOrderID
	v.mu.Unlock()

	v.logger.Info("paper venue connected", "account", v.cfg.Account)
	if err := v.Inject(broker.NextValidID{OrderID: next}); err != nil {
		return err
	}
	return v.Inject(broker.ErrorEvent{ReqID: -1, Code: codeDataFarmOK, Message: "Market data farm connection is OK:paper"})
}

// Disconnect stops the venue and closes the event stream.
func (v *Venue) Disconnect() error {
	v.closeOnce.Do(func() {
		v.state.Store(int32(broker.StateDisconnected))
		close(v.done)
		v.wg.Wait()
		close(v.events)
		v.logger.Info("paper venue disconnected")
	})
	return nil
}

// State returns connection state.
func (v *Venue) State() broker.ConnectionState {
	return broker.ConnectionState(v.state.Load())
}

// IsConnected returns true if connected.
func (v *Venue) IsConnected() bool {
	return v.State() == broker.StateConnected
}

// Send queues a request for the venue goroutine.
func (v *Venue) Send(ctx context.Context, req broker.Request) error {
	if !v.IsConnected() {
		return broker.ErrNotConnected
	}
	select {
	case v.requests <- req:
		return nil
	case <-v.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the venue's event stream.
func (v *Venue) Events() <-chan broker.Event {
	return v.events
}

// Inject pushes an arbitrary event through the venue goroutine.
func (v *Venue) Inject(ev broker.Event) error {
	select {
	case v.inject <- ev:
		return nil
	case <-v.done:
		return ErrClosed
	}
}

// Drop simulates the gateway closing the socket.
func (v *Venue) Drop(cause error) error {
	v.state.Store(int32(broker.StateDisconnected))
	return v.Inject(broker.ConnectionClosed{Err: cause})
}

func (v *Venue) run() {
	defer v.wg.Done()

	for {
		select {
		case <-v.done:
			return
		case req := <-v.requests:
			if v.cfg.Latency > 0 {
				select {
				case <-time.After(v.cfg.Latency):
				case <-v.done:
					return
				}
			}
			for _, ev := range v.handle(req) {
				if !v.emit(ev) {
					return
				}
			}
		case ev := <-v.inject:
			if !v.emit(ev) {
				return
			}
		}
	}
}

func (v *Venue) emit(ev broker.Event) bool {
	select {
	case v.events <- ev:
		return true
	case <-v.done:
		return false
	}
}

func (v *Venue) handle(req broker.Request) []broker.Event {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch r := req.(type) {
	case broker.ReqIDs:
		return []broker.Event{broker.NextValidID{OrderID: v.nextOrderID}}
	case broker.ReqPositions:
		return v.positionSnapshot()
	case broker.CancelPositions:
		return nil
	case broker.PlaceOrder:
		return v.placeOrder(r)
	case broker.CancelOrder:
		return v.cancelOrder(r.OrderID)
	case broker.GlobalCancel:
		return v.globalCancel()
	case broker.ReqMarketData:
		return v.marketData(r)
	case broker.CancelMarketData:
		delete(v.subscriptions, r.TickerID)
		return nil
	case broker.ReqHistoricalData:
		return v.historicalData(r)
	default:
		v.logger.Warn("paper venue ignoring request", "request", broker.RequestName(req))
		return nil
	}
}

func (v *Venue) positionSnapshot() []broker.Event {
	events := make([]broker.Event, 0, len(v.order)+1)
	for _, sym := range v.order {
		h := v.holdings[sym]
		events = append(events, broker.Position{
			Account:  v.cfg.Account,
			Contract: h.contract,
			Quantity: h.quantity,
			AvgCost:  h.avgCost,
		})
	}
	return append(events, broker.PositionEnd{})
}

func (v *Venue) placeOrder(req broker.PlaceOrder) []broker.Event {
	v.placed = append(v.placed, req)
	if req.OrderID >= v.nextOrderID {
		v.nextOrderID = req.OrderID + 1
	}

	sym := req.Contract.Symbol
	if reason, ok := v.rejects[sym]; ok {
		return []broker.Event{broker.ErrorEvent{
			ReqID:   req.OrderID,
			Code:    codeOrderRejected,
			Message: "Order rejected - reason:" + reason,
		}}
	}
	if req.Order.Quantity <= 0 {
		return []broker.Event{broker.ErrorEvent{
			ReqID:   req.OrderID,
			Code:    codeOrderRejected,
			Message: fmt.Sprintf("Order rejected - reason:invalid quantity %d", req.Order.Quantity),
		}}
	}
	price, ok := v.prices[sym]
	if !ok {
		return []broker.Event{noSecurityDefinition(req.OrderID)}
	}

	var filled int64
	if marketable(req.Order, price) {
		filled = fillQuantity(req.Order.Quantity, v.fillRatio)
	}
	if filled > 0 {
		v.fill(req.Contract, req.Order.Action.Sign()*filled, price)
	}

	remaining := req.Order.Quantity - filled
	status := broker.StatusFilled
	if remaining > 0 {
		status = broker.StatusSubmitted
		v.resting[req.OrderID] = &restingOrder{req: req, filled: filled}
	}

	v.logger.Debug("paper order",
		"order_id", req.OrderID,
		"symbol", sym,
		"action", req.Order.Action.String(),
		"quantity", req.Order.Quantity,
		"filled", filled,
		"price", price,
	)

	return []broker.Event{broker.OrderStatus{
		OrderID:      req.OrderID,
		Status:       status,
		Filled:       filled,
		Remaining:    remaining,
		AvgFillPrice: avgFill(filled, price),
	}}
}

func (v *Venue) cancelOrder(id int64) []broker.Event {
	o, ok := v.resting[id]
	if !ok {
		return []broker.Event{broker.ErrorEvent{
			ReqID:   id,
			Code:    codeCancelNotFound,
			Message: fmt.Sprintf("OrderId %d that needs to be cancelled is not found.", id),
		}}
	}
	delete(v.resting, id)

	return []broker.Event{
		cancelledStatus(id, o),
		broker.ErrorEvent{ReqID: id, Code: codeOrderCancelled, Message: "Order Canceled - reason:"},
	}
}

func (v *Venue) globalCancel() []broker.Event {
	ids := make([]int64, 0, len(v.resting))
	for id := range v.resting {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	events := make([]broker.Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, cancelledStatus(id, v.resting[id]))
		delete(v.resting, id)
	}
	return events
}

func (v *Venue) marketData(req broker.ReqMarketData) []broker.Event {
	price, ok := v.prices[req.Contract.Symbol]
	if !ok {
		return []broker.Event{noSecurityDefinition(req.TickerID)}
	}
	v.subscriptions[req.TickerID] = req.Contract.Symbol

	now := v.now()
	tick := decimal.New(1, -2)
	return []broker.Event{
		broker.TickPrice{TickerID: req.TickerID, TickType: broker.TickBid, Price: price.Sub(tick), At: now},
		broker.TickPrice{TickerID: req.TickerID, TickType: broker.TickAsk, Price: price.Add(tick), At: now},
		broker.TickPrice{TickerID: req.TickerID, TickType: broker.TickLast, Price: price, At: now},
	}
}

// historicalData produces deterministic daily bars oscillating around the
// current price, oldest first, skipping weekends.
func (v *Venue) historicalData(req broker.ReqHistoricalData) []broker.Event {
	price, ok := v.prices[req.Contract.Symbol]
	if !ok || v.cfg.HistoryBars <= 0 {
		return []broker.Event{broker.ErrorEvent{
			ReqID:   req.ReqID,
			Code:    codeHistoricalNoData,
			Message: "Historical Market Data Service error message:HMDS query returned no data",
		}}
	}

	days := make([]time.Time, 0, v.cfg.HistoryBars)
	now := v.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for len(days) < v.cfg.HistoryBars {
		day = day.AddDate(0, 0, -1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		days = append(days, day)
	}

	events := make([]broker.Event, 0, len(days)+1)
	step := price.Mul(decimal.New(2, -3))
	for i := len(days) - 1; i >= 0; i-- {
		swing := step.Mul(decimal.NewFromInt(int64(i%7 - 3)))
		closePx := price.Add(swing).Round(2)
		openPx := closePx.Sub(step).Round(2)
		events = append(events, broker.HistoricalBar{
			ReqID: req.ReqID,
			Bar: types.Bar{
				Symbol:   req.Contract.Symbol,
				Time:     days[i],
				Open:     openPx,
				High:     decimal.Max(openPx, closePx).Add(step).Round(2),
				Low:      decimal.Min(openPx, closePx).Sub(step).Round(2),
				Close:    closePx,
				Volume:   decimal.NewFromInt(int64(100000 + 1000*i)),
				WAP:      openPx.Add(closePx).Div(decimal.NewFromInt(2)).Round(4),
				BarCount: 500 + i,
			},
		})
	}

	return append(events, broker.HistoricalDataEnd{
		ReqID: req.ReqID,
		Start: days[len(days)-1].Format("20060102"),
		End:   days[0].Format("20060102"),
	})
}

// fill applies a signed execution to the holding. Average cost follows
// additions and resets when the position flips.
func (v *Venue) fill(contract broker.Contract, signed int64, price decimal.Decimal) {
	h := v.holdingFor(contract)
	before := h.quantity
	after := before + signed

	switch {
	case after == 0:
		h.avgCost = decimal.Zero
	case before == 0 || (before > 0) != (after > 0):
		h.avgCost = price
	case types.Abs(after) > types.Abs(before):
		cost := h.avgCost.Mul(decimal.NewFromInt(types.Abs(before))).
			Add(price.Mul(decimal.NewFromInt(types.Abs(signed))))
		h.avgCost = cost.Div(decimal.NewFromInt(types.Abs(after))).Round(4)
	}
	h.quantity = after
}

func (v *Venue) holdingFor(contract broker.Contract) *holding {
	sym := contract.Symbol
	if h, ok := v.holdings[sym]; ok {
		return h
	}
	conID, ok := v.conIDs[sym]
	if !ok {
		conID = int64(700000 + len(v.conIDs) + 1)
		v.conIDs[sym] = conID
	}
	contract.ConID = conID
	h := &holding{contract: contract}
	v.holdings[sym] = h
	v.order = append(v.order, sym)
	return h
}

// SetPrice sets the trade price of symbol and ticks subscribers.
func (v *Venue) SetPrice(symbol string, price decimal.Decimal) {
	v.mu.Lock()
	v.prices[symbol] = price
	var tickers []int64
	for id, sym := range v.subscriptions {
		if sym == symbol {
			tickers = append(tickers, id)
		}
	}
	v.mu.Unlock()

	if !v.IsConnected() {
		return
	}
	for _, id := range tickers {
		_ = v.Inject(broker.TickPrice{TickerID: id, TickType: broker.TickLast, Price: price, At: v.now()})
	}
}

// SetPosition overwrites the holding of symbol.
func (v *Venue) SetPosition(symbol string, quantity int64, avgCost decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()

	h := v.holdingFor(broker.USStock(symbol))
	h.quantity = quantity
	h.avgCost = avgCost
}

// Position returns the venue's holding of symbol.
func (v *Venue) Position(symbol string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if h, ok := v.holdings[symbol]; ok {
		return h.quantity
	}
	return 0
}

// SetFillRatio changes the share of each order filled on arrival.
func (v *Venue) SetFillRatio(ratio float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fillRatio = clampRatio(ratio)
}

// Reject makes every order for symbol fail with reason. An empty reason
// clears the rejection.
func (v *Venue) Reject(symbol, reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if reason == "" {
		delete(v.rejects, symbol)
		return
	}
	v.rejects[symbol] = reason
}

// Orders returns every order received, in arrival order.
func (v *Venue) Orders() []broker.PlaceOrder {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]broker.PlaceOrder(nil), v.placed...)
}

// RestingOrders returns the number of orders still working.
func (v *Venue) RestingOrders() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.resting)
}

func marketable(o broker.Order, price decimal.Decimal) bool {
	if o.Type == types.OrderTypeMarket {
		return true
	}
	switch o.Action {
	case types.ActionBuy:
		return o.LimitPrice.GreaterThanOrEqual(price)
	case types.ActionSell:
		return o.LimitPrice.LessThanOrEqual(price)
	default:
		return false
	}
}

func fillQuantity(qty int64, ratio float64) int64 {
	n := int64(math.Ceil(float64(qty) * ratio))
	if n > qty {
		return qty
	}
	return n
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

func avgFill(filled int64, price decimal.Decimal) decimal.Decimal {
	if filled == 0 {
		return decimal.Zero
	}
	return price
}

func cancelledStatus(id int64, o *restingOrder) broker.OrderStatus {
	return broker.OrderStatus{
		OrderID:      id,
		Status:       broker.StatusCancelled,
		Filled:       o.filled,
		Remaining:    o.req.Order.Quantity - o.filled,
		AvgFillPrice: decimal.Zero,
	}
}

func noSecurityDefinition(id int64) broker.ErrorEvent {
	return broker.ErrorEvent{
		ReqID:   id,
		Code:    codeNoSecurityDefinition,
		Message: "No security definition has been found for the request",
	}
}

var _ broker.Session = (*Venue)(nil)
