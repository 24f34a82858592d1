package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockStep scripts one call to a MockClient.
type MockStep struct {
	Content   string   // blocking result; streamed as one fragment when Fragments is empty
	Fragments []string // streamed fragments, in order
	Err       error    // returned from the call itself
	StreamErr error    // delivered as the final chunk after Fragments
	Block     bool     // wait for ctx cancellation instead of answering
}

// MockClient is a scripted GenerationClient for tests. Each call consumes the next step.
type MockClient struct {
	steps    []MockStep
	requests []Request
	model    string
	mu       sync.Mutex
	next     int
}

// NewMockClient creates a mock that answers calls with steps in order.
func NewMockClient(steps ...MockStep) *MockClient {
	return &MockClient{steps: steps, model: "mock-model"}
}

// Requests returns a copy of every request received so far.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockClient) take(req Request) (MockStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.next >= len(m.steps) {
		return MockStep{}, fmt.Errorf("mock client: no more responses")
	}
	step := m.steps[m.next]
	m.next++
	return step, nil
}

// Generate returns the next scripted response or error.
func (m *MockClient) Generate(ctx context.Context, req Request) (Response, error) {
	step, err := m.take(req)
	if err != nil {
		return Response{}, err
	}
	if step.Block {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	if step.Err != nil {
		return Response{}, step.Err
	}
	content := step.Content
	if content == "" {
		for _, f := range step.Fragments {
			content += f
		}
	}
	return Response{Content: content, StopReason: "end_turn"}, nil
}

// GenerateStream emits the next scripted step as fragments.
func (m *MockClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	step, err := m.take(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}

	fragments := step.Fragments
	if len(fragments) == 0 && step.Content != "" {
		fragments = []string{step.Content}
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, f := range fragments {
			if !send(StreamChunk{Content: f}) {
				return
			}
		}
		if step.Block {
			<-ctx.Done()
			return
		}
		if step.StreamErr != nil {
			send(StreamChunk{Err: step.StreamErr})
			return
		}
		send(StreamChunk{Done: true})
	}()
	return ch, nil
}

// ModelName returns a fixed mock model identifier.
func (m *MockClient) ModelName() string {
	return m.model
}

// Collect drains a stream into a single string for test assertions. It
// returns the first chunk error.
func Collect(ctx context.Context, ch <-chan StreamChunk) (string, error) {
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				// A stream closed without a Done chunk was cut short by cancellation.
				return sb.String(), ctx.Err()
			}
			if chunk.Err != nil {
				return sb.String(), chunk.Err
			}
			sb.WriteString(chunk.Content)
			if chunk.Done {
				return sb.String(), nil
			}
		}
	}
}
