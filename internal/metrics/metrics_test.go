package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()

	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case out.Counter != nil:
		return out.Counter.GetValue()
	case out.Gauge != nil:
		return out.Gauge.GetValue()
	default:
		t.Fatalf("unsupported metric type")
		return 0
	}
}

func TestRecorder_RecordRequest(t *testing.T) {
	r := NewRecorder()

	before := value(t, RequestsTotal.WithLabelValues("market-data", "timeout"))
	r.RecordRequest("market-data", "timeout", 2*time.Second)
	r.RecordRequest("market-data", "timeout", 0)

	after := value(t, RequestsTotal.WithLabelValues("market-data", "timeout"))
	if after-before != 2 {
		t.Errorf("requests delta = %v, want 2", after-before)
	}
}

func TestRecorder_RecordSlice(t *testing.T) {
	r := NewRecorder()

	before := value(t, ExecutionAttemptsTotal.WithLabelValues("TEST_SLICE"))
	r.RecordSlice("TEST_SLICE", "converged", 3)

	after := value(t, ExecutionAttemptsTotal.WithLabelValues("TEST_SLICE"))
	if after-before != 3 {
		t.Errorf("attempts delta = %v, want 3", after-before)
	}
	if got := value(t, ExecutionSlicesTotal.WithLabelValues("TEST_SLICE", "converged")); got < 1 {
		t.Errorf("slices = %v, want >= 1", got)
	}
}

func TestRecorder_Gauges(t *testing.T) {
	r := NewRecorder()

	r.RecordPosition("SPY", -50)
	if got := value(t, NetPosition.WithLabelValues("SPY")); got != -50 {
		t.Errorf("net position = %v, want -50", got)
	}

	r.RecordLastPrice("SPY", decimal.RequireFromString("512.25"))
	if got := value(t, LastPrice.WithLabelValues("SPY")); got != 512.25 {
		t.Errorf("last price = %v, want 512.25", got)
	}

	r.RecordGatewayStatus(true)
	if got := value(t, GatewayConnected); got != 1 {
		t.Errorf("gateway connected = %v, want 1", got)
	}
	r.RecordGatewayStatus(false)
	if got := value(t, GatewayConnected); got != 0 {
		t.Errorf("gateway connected = %v, want 0", got)
	}
}

func TestRecorder_Counters(t *testing.T) {
	r := NewRecorder()

	r.RecordEvent("position")
	r.RecordGatewayError("suppressed")
	r.RecordOrder("SPY", "BUY", "Filled")
	r.RecordExecution("SPY", "completed")
	r.RecordError("decode")
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	if elapsed < 10*time.Millisecond {
		t.Errorf("elapsed = %v, expected >= 10ms", elapsed)
	}
	timer.ObserveRequest("account-data")
}

func TestMetricsRegistered(t *testing.T) {
	collectors := []prometheus.Collector{
		RequestsTotal,
		RequestLatency,
		EventsTotal,
		GatewayErrorsTotal,
		OrdersTotal,
		ExecutionsTotal,
		ExecutionSlicesTotal,
		ExecutionAttemptsTotal,
		NetPosition,
		LastPrice,
		GatewayConnected,
		ErrorsTotal,
	}

	for _, c := range collectors {
		if c == nil {
			t.Error("collector is nil")
		}
	}
}
