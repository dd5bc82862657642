// Package providertest provides test helpers for the provider package.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/flemzord/codeclaw/internal/provider"
)

// ErrScriptExhausted is returned by a Script provider once every scripted
// response has been served.
var ErrScriptExhausted = errors.New("providertest: no scripted response left")

// MockProvider is a configurable test double for provider.Provider.
// Unset CompleteFunc panics on call. All methods are safe for concurrent use.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, req provider.Request) (provider.Response, error)
	Name         string

	mu       sync.Mutex
	requests []provider.Request
}

// Complete records the request and delegates to CompleteFunc.
func (m *MockProvider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	m.mu.Lock()
	req.Messages = append([]provider.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.CompleteFunc(ctx, req)
}

// ModelName returns Name, or "mock" when unset.
func (m *MockProvider) ModelName() string {
	if m.Name == "" {
		return "mock"
	}
	return m.Name
}

// Calls returns the number of Complete calls so far.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received, in order.
func (m *MockProvider) Requests() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Request(nil), m.requests...)
}

// Script returns a MockProvider that serves the given responses in order
// and then fails with ErrScriptExhausted.
func Script(responses ...provider.Response) *MockProvider {
	var (
		mu   sync.Mutex
		next int
	)
	return &MockProvider{
		CompleteFunc: func(context.Context, provider.Request) (provider.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			if next >= len(responses) {
				return provider.Response{}, ErrScriptExhausted
			}
			r := responses[next]
			next++
			return r, nil
		},
	}
}

// Text is a final answer without tool calls.
func Text(content string) provider.Response {
	return provider.Response{Content: content, FinishReason: provider.FinishReasonStop}
}

// Call is a response requesting one tool call.
func Call(id, name, arguments string) provider.Response {
	return provider.Response{
		ToolCalls:    []provider.ToolCall{{ID: id, Name: name, Arguments: []byte(arguments)}},
		FinishReason: provider.FinishReasonToolUse,
	}
}

var _ provider.Provider = (*MockProvider)(nil)
