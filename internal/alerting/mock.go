package alerting

import (
	"context"
	"sync"
)

// MockAlerter captures alerts for tests and indexes them by event.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
}

// MockAlert is one captured alert. Event is empty for alerts sent outside
// a Notifier.
type MockAlert struct {
	Event    AlertEvent
	Severity Severity
	Message  string
	Fields   []any
}

// Field returns the value sent under key, nil if absent.
func (a MockAlert) Field(key string) any {
	for i := 0; i+1 < len(a.Fields); i += 2 {
		if k, ok := a.Fields[i].(string); ok && k == key {
			return a.Fields[i+1]
		}
	}
	return nil
}

func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	event, _ := splitEvent(fields)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{
		Event:    event,
		Severity: severity,
		Message:  message,
		Fields:   fields,
	})
	return nil
}

// Alerts returns every captured alert in arrival order.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Events returns the event of every captured alert in arrival order.
func (m *MockAlerter) Events() []AlertEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlertEvent, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, a.Event)
	}
	return out
}

// ForEvent returns the alerts captured for event.
func (m *MockAlerter) ForEvent(event AlertEvent) []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockAlert
	for _, a := range m.alerts {
		if a.Event == event {
			out = append(out, a)
		}
	}
	return out
}

// HasEvent reports whether an alert for event was captured.
func (m *MockAlerter) HasEvent(event AlertEvent) bool {
	return len(m.ForEvent(event)) > 0
}

// HasSeverity reports whether an alert of severity was captured.
func (m *MockAlerter) HasSeverity(severity Severity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.Severity == severity {
			return true
		}
	}
	return false
}

func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Last returns the latest alert; ok is false when nothing was captured.
func (m *MockAlerter) Last() (MockAlert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return MockAlert{}, false
	}
	return m.alerts[len(m.alerts)-1], true
}

func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}
