package agent

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/ibkr-agent/internal/alerting"
	"github.com/tathienbao/ibkr-agent/internal/broker"
	"github.com/tathienbao/ibkr-agent/internal/correlation"
	"github.com/tathienbao/ibkr-agent/internal/errclass"
	"github.com/tathienbao/ibkr-agent/internal/ledger"
	"github.com/tathienbao/ibkr-agent/internal/metrics"
	"github.com/tathienbao/ibkr-agent/internal/types"
)

// fakeSession records requests and lets the test drive the event stream.
type fakeSession struct {
	mu    sync.Mutex
	state broker.ConnectionState
	sent  []broker.Request

	// grant is the order id announced on Connect; 0 stays silent.
	grant int64

	events    chan broker.Event
	closeOnce sync.Once
}

func newFakeSession(grant int64) *fakeSession {
	return &fakeSession{
		state:  broker.StateDisconnected,
		grant:  grant,
		events: make(chan broker.Event, 64),
	}
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	f.state = broker.StateConnected
	f.mu.Unlock()
	if f.grant > 0 {
		f.events <- broker.NextValidID{OrderID: f.grant}
	}
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	f.state = broker.StateDisconnected
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeSession) State() broker.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Send(_ context.Context, req broker.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeSession) Events() <-chan broker.Event { return f.events }

func (f *fakeSession) push(events ...broker.Event) {
	for _, ev := range events {
		f.events <- ev
	}
}

// waitSent blocks until n requests matching match have been sent.
func (f *fakeSession) waitSent(t *testing.T, n int, match func(broker.Request) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		count := 0
		for _, req := range f.sent {
			if match(req) {
				count++
			}
		}
		f.mu.Unlock()
		if count >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d requests", n)
}

func isReqPositions(r broker.Request) bool {
	_, ok := r.(broker.ReqPositions)
	return ok
}

func isReqHistory(r broker.Request) bool {
	_, ok := r.(broker.ReqHistoricalData)
	return ok
}

func newFakeAgent(t *testing.T, session *fakeSession) (*Agent, *alerting.MockAlerter) {
	t.Helper()
	cfg := testConfig("SPY")
	cfg.RequestTimeout = 500 * time.Millisecond

	mock := alerting.NewMockAlerter()
	a, err := New(cfg, session, Deps{Alerter: mock, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, mock
}

func spyPosition(qty int64) broker.Position {
	c := broker.USStock("SPY")
	c.ConID = 756733
	return broker.Position{Account: "DU1", Contract: c, Quantity: qty, AvgCost: decimal.NewFromInt(500)}
}

func TestAgent_StartTimesOutWithoutGrant(t *testing.T) {
	a, _ := newFakeAgent(t, newFakeSession(0))

	err := a.Start(context.Background())
	if !errors.Is(err, types.ErrRequestTimeout) {
		t.Fatalf("Start() error = %v, want ErrRequestTimeout", err)
	}
	if _, err := a.Balance(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Balance() after failed start error = %v, want ErrNotStarted", err)
	}
}

func TestAgent_HealthCheck(t *testing.T) {
	session := newFakeSession(7)
	a, _ := newFakeAgent(t, session)

	if got := a.HealthCheck().Status; got != metrics.StatusUnhealthy {
		t.Errorf("before start = %s, want unhealthy", got)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := a.HealthCheck().Status; got != metrics.StatusHealthy {
		t.Errorf("after start = %s, want healthy", got)
	}
	if got := a.corr.NextOrderID(); got != 7 {
		t.Errorf("NextOrderID() = %d, want 7", got)
	}
}

func TestAgent_SuppressedErrorsLeaveLedgerAlone(t *testing.T) {
	session := newFakeSession(1)
	a, _ := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	balance := func(n int, rows ...broker.Event) {
		t.Helper()
		done := make(chan error, 1)
		go func() {
			_, err := a.Balance(ctx)
			done <- err
		}()
		session.waitSent(t, n, isReqPositions)
		session.push(append(rows, broker.PositionEnd{})...)
		if err := <-done; err != nil {
			t.Fatalf("Balance() error = %v", err)
		}
	}

	balance(1, spyPosition(5))
	before := a.ledger.Table()

	session.push(
		broker.ErrorEvent{ReqID: -1, Code: errclass.CodeMarketFarmOK, Message: "Market data farm connection is OK:usfarm"},
		broker.ErrorEvent{ReqID: -1, Code: errclass.CodeHistoryFarmOK, Message: "HMDS data farm connection is OK:ushmds"},
		broker.ErrorEvent{ReqID: -1, Code: errclass.CodeSecDefFarmOK, Message: "Sec-def data farm connection is OK:secdefnj"},
		broker.ErrorEvent{ReqID: 3, Code: errclass.CodeOrderNotFound, Message: "OrderId 3 that needs to be cancelled is not found."},
		broker.ErrorEvent{ReqID: 3, Code: errclass.CodeOrderCancelled, Message: "Order Canceled - reason:"},
		broker.ErrorEvent{ReqID: -1, Code: errclass.CodeCompetingSession, Message: "Error processing request:-'bW' : cause - Trading TWS session is connected from a different IP address"},
	)

	balance(2, spyPosition(5))
	after := a.ledger.Table()
	if len(after) != 1 || len(before) != 1 {
		t.Fatalf("table sizes = %d, %d, want 1", len(before), len(after))
	}
	if after[0].Quantity != before[0].Quantity || after[0].Key != before[0].Key {
		t.Errorf("ledger changed: %+v -> %+v", before[0], after[0])
	}
}

func TestAgent_SuppressedErrorDoesNotFailPending(t *testing.T) {
	session := newFakeSession(1)
	a, _ := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	type result struct {
		bars map[string][]types.Bar
		err  error
	}
	done := make(chan result, 1)
	go func() {
		bars, err := a.DownloadHistory(ctx, "1 D", "1 day")
		done <- result{bars, err}
	}()
	session.waitSent(t, 1, isReqHistory)

	reqID := a.cfg.History.FirstReqID
	day := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	session.push(
		broker.ErrorEvent{ReqID: reqID, Code: errclass.CodeCompetingSession, Message: "competing session"},
		broker.HistoricalBar{ReqID: reqID, Bar: types.Bar{Time: day, Close: decimal.NewFromInt(500)}},
		broker.HistoricalDataEnd{ReqID: reqID, Start: "20261015", End: "20261015"},
	)

	r := <-done
	if r.err != nil {
		t.Fatalf("DownloadHistory() error = %v", r.err)
	}
	if len(r.bars["SPY"]) != 1 || r.bars["SPY"][0].Symbol != "SPY" {
		t.Errorf("bars = %+v", r.bars)
	}
}

func TestAgent_FailCodeRejectsPending(t *testing.T) {
	session := newFakeSession(1)
	a, _ := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.DownloadHistory(ctx, "1 D", "1 day")
		done <- err
	}()
	session.waitSent(t, 1, isReqHistory)

	reqID := a.cfg.History.FirstReqID
	session.push(
		broker.HistoricalBar{ReqID: reqID, Bar: types.Bar{Close: decimal.NewFromInt(1)}},
		broker.ErrorEvent{ReqID: reqID, Code: errclass.CodeHistoricalData, Message: "HMDS query returned no data"},
	)

	err := <-done
	if !errors.Is(err, types.ErrRejected) {
		t.Fatalf("DownloadHistory() error = %v, want ErrRejected", err)
	}
	var gwErr *errclass.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != errclass.CodeHistoricalData {
		t.Errorf("error = %v, want gateway error 162", err)
	}
}

func TestAgent_ConnectionLostFailsPending(t *testing.T) {
	session := newFakeSession(1)
	a, mock := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.Balance(ctx)
		done <- err
	}()
	session.waitSent(t, 1, isReqPositions)
	session.push(broker.ConnectionClosed{Err: io.EOF})

	if err := <-done; !errors.Is(err, types.ErrConnectionLost) {
		t.Fatalf("Balance() error = %v, want ErrConnectionLost", err)
	}

	// The reconnect announces a fresh order id.
	session.push(broker.NextValidID{OrderID: 40})
	deadline := time.Now().Add(2 * time.Second)
	for a.corr.NextOrderID() != 40 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := a.corr.NextOrderID(); got != 40 {
		t.Fatalf("NextOrderID() = %d, want 40", got)
	}

	_ = a.Close()
	if !mock.HasEvent(alerting.EventConnectionLost) {
		t.Error("expected connection_lost alert")
	}
	if !mock.HasEvent(alerting.EventConnectionRestored) {
		t.Error("expected connection_restored alert")
	}
	if !mock.HasEvent(alerting.EventAgentStopped) {
		t.Error("expected agent_stopped alert")
	}
}

func TestAgent_OrderIDsNeverReused(t *testing.T) {
	session := newFakeSession(5)
	a, _ := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	isReqIDs := func(r broker.Request) bool { _, ok := r.(broker.ReqIDs); return ok }
	order := broker.Order{Action: types.ActionBuy, Type: types.OrderTypeMarket, Quantity: 1}

	// The gateway keeps answering with a stale grant; ids must still advance.
	for i, want := range []int64{5, 6, 7} {
		done := make(chan int64, 1)
		go func() {
			id, _ := a.PlaceOrder(ctx, broker.USStock("SPY"), order)
			done <- id
		}()
		session.waitSent(t, i+1, isReqIDs)
		session.push(broker.NextValidID{OrderID: 5})

		deadline := time.Now().Add(2 * time.Second)
		for !a.corr.InFlight(correlation.CategoryOrderStatus) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		session.push(broker.OrderStatus{OrderID: want, Status: broker.StatusFilled, Filled: 1})

		if got := <-done; got != want {
			t.Errorf("order %d id = %d, want %d", i+1, got, want)
		}
	}
}

func TestAgent_HistoryRejectionSparesOrderWithSameID(t *testing.T) {
	session := newFakeSession(1)
	a, _ := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	reqID := a.cfg.History.FirstReqID
	isReqIDs := func(r broker.Request) bool { _, ok := r.(broker.ReqIDs); return ok }
	order := broker.Order{Action: types.ActionBuy, Type: types.OrderTypeMarket, Quantity: 1}

	type result struct {
		id  int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := a.PlaceOrder(ctx, broker.USStock("SPY"), order)
		done <- result{id, err}
	}()
	session.waitSent(t, 1, isReqIDs)
	session.push(broker.NextValidID{OrderID: reqID})

	deadline := time.Now().Add(2 * time.Second)
	for !a.corr.InFlight(correlation.CategoryOrderStatus) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	// A history rejection carrying the same number must not fail the order.
	session.push(
		broker.ErrorEvent{ReqID: reqID, Code: errclass.CodeHistoricalData, Message: "HMDS query returned no data"},
		broker.OrderStatus{OrderID: reqID, Status: broker.StatusFilled, Filled: 1},
	)

	r := <-done
	if r.err != nil {
		t.Fatalf("PlaceOrder() error = %v", r.err)
	}
	if r.id != reqID {
		t.Errorf("order id = %d, want %d", r.id, reqID)
	}
}

func TestAgent_LateSnapshotEndIgnored(t *testing.T) {
	session := newFakeSession(1)
	a, _ := newFakeAgent(t, session)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := a.Balance(ctx); !errors.Is(err, types.ErrRequestTimeout) {
		t.Fatalf("first Balance() error = %v, want ErrRequestTimeout", err)
	}

	type result struct {
		table []ledger.Record
		err   error
	}
	done := make(chan result, 1)
	go func() {
		table, err := a.Balance(ctx)
		done <- result{table, err}
	}()
	session.waitSent(t, 2, isReqPositions)

	// The first snapshot's end marker shows up ahead of the second snapshot.
	session.push(broker.PositionEnd{}, spyPosition(7), broker.PositionEnd{})

	r := <-done
	if r.err != nil {
		t.Fatalf("second Balance() error = %v", r.err)
	}
	if len(r.table) != 1 || r.table[0].Quantity != 7 {
		t.Errorf("table = %+v, want SPY 7", r.table)
	}
}
