package nats

import (
	"context"
	"sync"
)

// MockPublisher records published events for tests.
type MockPublisher struct {
	mu     sync.Mutex
	Events []MockEvent
}

// MockEvent is one recorded publish call.
type MockEvent struct {
	Subject string
	Event   any
}

// NewMockPublisher creates an empty mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

// Publish records the event.
func (m *MockPublisher) Publish(_ context.Context, subject string, event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, MockEvent{Subject: subject, Event: event})
	return nil
}

// Close is a no-op.
func (m *MockPublisher) Close() error { return nil }

// BySubject returns the recorded events for a subject.
func (m *MockPublisher) BySubject(subject string) []MockEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []MockEvent
	for _, e := range m.Events {
		if e.Subject == subject {
			out = append(out, e)
		}
	}
	return out
}
