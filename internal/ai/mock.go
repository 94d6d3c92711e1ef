package ai

import (
	"context"
	"sync"
)

// MockProvider is a test double for both capabilities.
type MockProvider struct {
	mu sync.Mutex

	Response string
	ImageURL string
	Err      error
	ImageErr error

	Requests      []CompletionRequest
	ImageRequests []ImageRequest
}

var (
	_ TextCompleter  = (*MockProvider)(nil)
	_ ImageGenerator = (*MockProvider)(nil)
)

// NewMockProvider creates a MockProvider that returns the given response.
func NewMockProvider(response string) *MockProvider {
	return &MockProvider{Response: response, ImageURL: "https://images.example/mock.png"}
}

func (m *MockProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return CompletionResponse{}, m.Err
	}
	return CompletionResponse{
		Content:      m.Response,
		Model:        "mock",
		InputTokens:  10,
		OutputTokens: len(m.Response),
	}, nil
}

func (m *MockProvider) Generate(_ context.Context, req ImageRequest) (ImageResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ImageRequests = append(m.ImageRequests, req)
	if m.ImageErr != nil {
		return ImageResponse{}, m.ImageErr
	}
	return ImageResponse{URLs: []string{m.ImageURL}, Model: "mock"}, nil
}

// LastRequest returns the most recent completion request, or nil.
func (m *MockProvider) LastRequest() *CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	req := m.Requests[len(m.Requests)-1]
	return &req
}

// Calls returns how many completion and image calls were made.
func (m *MockProvider) Calls() (text, image int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests), len(m.ImageRequests)
}
