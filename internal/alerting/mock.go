package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter records alerts for tests. Fail makes it return an error.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	Fail   error
}

// MockAlert is one recorded alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// Field returns the value recorded under key.
func (a MockAlert) Field(key string) (any, bool) {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == key {
			return a.Fields[i+1], true
		}
	}
	return nil, false
}

// NewMockAlerter creates a new mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name returns the name of the alerter.
func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{
		Severity: severity,
		Message:  message,
		Fields:   append([]any(nil), fields...),
	})
	return m.Fail
}

// Alerts returns all recorded alerts.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

// Count returns the number of recorded alerts.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// HasEvent reports whether an alert was raised for event.
func (m *MockAlerter) HasEvent(event Event) bool {
	for _, a := range m.Alerts() {
		if v, ok := a.Field("event"); ok && v == string(event) {
			return true
		}
	}
	return false
}

// HasAlertContaining reports whether an alert message contains substr.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	for _, a := range m.Alerts() {
		if strings.Contains(a.Message, substr) {
			return true
		}
	}
	return false
}

// LastAlert returns the last recorded alert, or nil if none.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	last := m.alerts[len(m.alerts)-1]
	return &last
}
