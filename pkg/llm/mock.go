package llm

import (
	"context"
	"sync"
)

// MockClient is a configurable mock for testing.
// Set GenerateTextFunc to control behavior.
type MockClient struct {
	// GenerateTextFunc is called when GenerateText is invoked.
	// If nil, returns an empty result and nil error.
	GenerateTextFunc func(ctx context.Context, req GenerateRequest) (*GenerateResult, error)

	// ModelName is returned by Model. Defaults to "mock-model".
	ModelName string

	mu    sync.Mutex
	calls []GenerateRequest
}

var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock that always returns content.
func NewMockClient(content string) *MockClient {
	return &MockClient{
		GenerateTextFunc: func(context.Context, GenerateRequest) (*GenerateResult, error) {
			return &GenerateResult{Content: content}, nil
		},
	}
}

// GenerateText implements Client.
func (m *MockClient) GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.GenerateTextFunc != nil {
		return m.GenerateTextFunc(ctx, req)
	}
	return &GenerateResult{}, nil
}

// Model implements Client.
func (m *MockClient) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

// Calls returns the number of GenerateText invocations.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// LastRequest returns the most recent request, or a zero value.
func (m *MockClient) LastRequest() GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return GenerateRequest{}
	}
	return m.calls[len(m.calls)-1]
}
