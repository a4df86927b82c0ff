package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordRequest records a correlated request outcome.
func (r *Recorder) RecordRequest(category, outcome string, latency time.Duration) {
	RequestsTotal.WithLabelValues(category, outcome).Inc()
	if latency > 0 {
		RequestLatency.WithLabelValues(category).Observe(latency.Seconds())
	}
}

// RecordEvent records an inbound gateway event.
func (r *Recorder) RecordEvent(event string) {
	EventsTotal.WithLabelValues(event).Inc()
}

// RecordGatewayError records a classified gateway error.
func (r *Recorder) RecordGatewayError(class string) {
	GatewayErrorsTotal.WithLabelValues(class).Inc()
}

// RecordOrder records an order metric.
func (r *Recorder) RecordOrder(symbol, action, status string) {
	OrdersTotal.WithLabelValues(symbol, action, status).Inc()
}

// RecordExecution records a finished execution task.
func (r *Recorder) RecordExecution(symbol, status string) {
	ExecutionsTotal.WithLabelValues(symbol, status).Inc()
}

// RecordSlice records one finished slice and the attempts it took.
func (r *Recorder) RecordSlice(symbol, outcome string, attempts int) {
	ExecutionSlicesTotal.WithLabelValues(symbol, outcome).Inc()
	ExecutionAttemptsTotal.WithLabelValues(symbol).Add(float64(attempts))
}

// RecordPosition records a refreshed net position.
func (r *Recorder) RecordPosition(symbol string, quantity int64) {
	NetPosition.WithLabelValues(symbol).Set(float64(quantity))
}

// RecordLastPrice records the last trade price of a symbol.
func (r *Recorder) RecordLastPrice(symbol string, price decimal.Decimal) {
	LastPrice.WithLabelValues(symbol).Set(price.InexactFloat64())
}

// RecordGatewayStatus records gateway connection status.
func (r *Recorder) RecordGatewayStatus(connected bool) {
	if connected {
		GatewayConnected.Set(1)
	} else {
		GatewayConnected.Set(0)
	}
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveRequest observes the elapsed time as request latency for category.
func (t *Timer) ObserveRequest(category string) {
	RequestLatency.WithLabelValues(category).Observe(t.Elapsed().Seconds())
}
