package imagegen

import (
	"context"
	"fmt"
	"sync"
)

// MockStep scripts one call to a MockClient.
type MockStep struct {
	Reference string
	Err       error
	Block     bool // wait for ctx cancellation instead of answering
}

// MockClient is a scripted image Client for tests. When steps run out,
// it returns a reference derived from the call number.
type MockClient struct {
	steps    []MockStep
	requests []Request
	mu       sync.Mutex
	calls    int
}

// NewMockClient creates a mock that answers calls with steps in order.
func NewMockClient(steps ...MockStep) *MockClient {
	return &MockClient{steps: steps}
}

// Generate returns the next scripted result.
func (m *MockClient) Generate(ctx context.Context, req Request) (Result, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	call := m.calls
	m.calls++
	var step MockStep
	if call < len(m.steps) {
		step = m.steps[call]
	} else {
		step = MockStep{Reference: fmt.Sprintf("https://images.test/%d.png", call+1)}
	}
	m.mu.Unlock()

	if step.Block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	if step.Err != nil {
		return Result{}, step.Err
	}
	return Result{Reference: step.Reference}, nil
}

// Requests returns a copy of every request received so far.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// ModelName returns a fixed mock model identifier.
func (m *MockClient) ModelName() string {
	return "mock-image"
}
