package provider

import (
	"context"
	"sync"
	"time"
)

// MockProvider is a test provider that returns predefined responses over
// the same streaming interface the real providers use, so internal/agent
// and internal/compactor can be tested without a network call.
type MockProvider struct {
	mu sync.RWMutex

	name      string
	response  string
	toolCalls []ToolCall
	streamErr error
	reasoning string
	delay     time.Duration
}

// NewMock creates a new mock provider.
func NewMock(name, response string) *MockProvider {
	return &MockProvider{
		name:     name,
		response: response,
	}
}

// MockFactory builds MockProviders, satisfying the Factory interface for
// tests that exercise a full provider.Registry.
type MockFactory struct {
	name     string
	response string
}

// NewMockFactory creates a factory that always returns the same canned
// response.
func NewMockFactory(name, response string) *MockFactory {
	return &MockFactory{name: name, response: response}
}

func (f *MockFactory) Name() string { return f.name }

func (f *MockFactory) Create(model string, opts Options) Provider {
	return NewMock(f.name, f.response)
}

// WithStreamError sets an error to return from ChatStream.
func (p *MockProvider) WithStreamError(err error) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamErr = err
	return p
}

// WithToolCalls sets tool calls to emit via EventToolCallBegin/Delta.
func (p *MockProvider) WithToolCalls(calls []ToolCall) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls = calls
	return p
}

// WithReasoning sets the reasoning/thinking text to stream.
func (p *MockProvider) WithReasoning(reasoning string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasoning = reasoning
	return p
}

// SetDelay makes ChatStream block for the given duration before emitting
// anything, so tests can exercise Interrupt/cancellation.
func (p *MockProvider) SetDelay(delay time.Duration) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = delay
	return p
}

// WithResponse sets the predefined text content to stream.
func (p *MockProvider) WithResponse(response string) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = response
	return p
}

// Name returns the provider identifier.
func (p *MockProvider) Name() string {
	return p.name
}

// ChatStream emits the predefined response (and tool calls, if any) as a
// small fixed sequence of StreamEvents, then closes the channel.
func (p *MockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	if err := p.waitDelay(ctx); err != nil {
		return nil, err
	}

	p.mu.RLock()
	streamErr := p.streamErr
	response := p.response
	reasoning := p.reasoning
	toolCalls := append([]ToolCall(nil), p.toolCalls...)
	p.mu.RUnlock()

	ch := make(chan StreamEvent, 8)
	go func() {
		defer close(ch)
		if streamErr != nil {
			ch <- StreamEvent{Type: EventError, Err: streamErr}
			return
		}
		if reasoning != "" {
			ch <- StreamEvent{Type: EventReasoningDelta, Content: reasoning}
		}
		if response != "" {
			ch <- StreamEvent{Type: EventContentDelta, Content: response}
		}
		for i, tc := range toolCalls {
			ch <- StreamEvent{Type: EventToolCallBegin, ToolCallIndex: i, ToolCallID: tc.ID, ToolCallName: tc.Name}
			ch <- StreamEvent{Type: EventToolCallDelta, ToolCallIndex: i, ToolCallArgs: string(tc.Arguments)}
		}
		ch <- StreamEvent{Type: EventUsage, InputTokens: len(response), OutputTokens: len(response)}
		ch <- StreamEvent{Type: EventDone}
	}()

	return ch, nil
}

// ListModels returns a single canned model named "<provider name>-model".
func (p *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: p.name + "-model"}}, nil
}

func (p *MockProvider) waitDelay(ctx context.Context) error {
	p.mu.RLock()
	delay := p.delay
	p.mu.RUnlock()
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close is a no-op for mock provider (no resources to clean up).
func (p *MockProvider) Close() error {
	return nil
}
