package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// Delivery is a message accepted by MockTransport.
type Delivery struct {
	ChatID string
	Text   string
}

// MockTransport records deliveries and replays scripted failures. Each call to
// Deliver consumes the next queued error; when the queue is empty it succeeds.
type MockTransport struct {
	mu        sync.Mutex
	delivered []Delivery
	failures  []error
	attempts  int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// FailNext queues errors returned by the following Deliver calls, in order.
func (m *MockTransport) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *MockTransport) Deliver(ctx context.Context, chatID string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return err
		}
	}
	m.delivered = append(m.delivered, Delivery{ChatID: chatID, Text: text})
	return nil
}

// Delivered returns a copy of the successful deliveries.
func (m *MockTransport) Delivered() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// Attempts counts every Deliver call, successful or not.
func (m *MockTransport) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LogTransport writes deliveries to the log instead of a chat provider.
type LogTransport struct{}

func (LogTransport) Deliver(ctx context.Context, chatID string, text string) error {
	slog.Info("LogTransport.Deliver", "chatID", chatID, "text", text)
	return nil
}
