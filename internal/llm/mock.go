package llm

import (
	"context"
	"sync"
)

// MockTransport is a test double for Transport. Responses are consumed in
// FIFO order; when the queue is empty, DefaultResult is returned.
type MockTransport struct {
	mu            sync.Mutex
	Responses     []string
	DefaultResult string
	StreamErr     error
	Calls         []Options
}

// NewMockTransport creates a MockTransport with sensible defaults.
func NewMockTransport() *MockTransport {
	return &MockTransport{DefaultResult: "ok"}
}

// Enqueue appends scripted responses consumed by subsequent calls.
func (m *MockTransport) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, responses...)
}

func (m *MockTransport) StreamCompletion(_ context.Context, opts Options) (<-chan Chunk, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, opts)

	content := m.DefaultResult
	if len(m.Responses) > 0 {
		content = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	streamErr := m.StreamErr
	m.mu.Unlock()

	out := make(chan Chunk, 2)
	if streamErr != nil {
		out <- Chunk{Err: streamErr}
	} else {
		out <- Chunk{Text: content}
	}
	close(out)
	return out, nil
}

// CallHistory returns a copy of all recorded calls.
func (m *MockTransport) CallHistory() []Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]Options, len(m.Calls))
	copy(calls, m.Calls)
	return calls
}
