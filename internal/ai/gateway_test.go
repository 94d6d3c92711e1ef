package ai_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/p-n-ai/relay-bot/internal/ai"
)

func TestMockProvider_Complete(t *testing.T) {
	mock := ai.NewMockProvider("test response")

	resp, err := mock.Complete(context.Background(), ai.CompletionRequest{
		Messages: []ai.Message{
			{Role: "user", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "test response" {
		t.Errorf("Content = %q, want %q", resp.Content, "test response")
	}
	if resp.Model != "mock" {
		t.Errorf("Model = %q, want %q", resp.Model, "mock")
	}
	if last := mock.LastRequest(); last == nil || last.Messages[0].Content != "Hello" {
		t.Errorf("LastRequest() = %+v", last)
	}
}

func TestMockProvider_Generate(t *testing.T) {
	mock := ai.NewMockProvider("")
	mock.ImageURL = "https://img.example/1.png"

	resp, err := mock.Generate(context.Background(), ai.ImageRequest{Prompt: "a boat"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.URL() != "https://img.example/1.png" {
		t.Errorf("URL() = %q", resp.URL())
	}
	if text, image := mock.Calls(); text != 0 || image != 1 {
		t.Errorf("Calls() = %d/%d, want 0/1", text, image)
	}
}

func TestImageResponse_URL_Empty(t *testing.T) {
	if got := (ai.ImageResponse{}).URL(); got != "" {
		t.Errorf("URL() = %q, want empty", got)
	}
}

func TestCompletionResponse_TotalTokens(t *testing.T) {
	resp := ai.CompletionResponse{InputTokens: 100, OutputTokens: 50}
	if got := resp.TotalTokens(); got != 150 {
		t.Errorf("TotalTokens() = %d, want 150", got)
	}
}

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind     ai.ErrorKind
		expected string
	}{
		{ai.KindUnknown, "unknown"},
		{ai.KindService, "service"},
		{ai.KindConnection, "connection"},
		{ai.KindRateLimited, "rate_limited"},
		{ai.KindAuth, "auth"},
	}
	for _, tt := range tests {
		if tt.kind.String() != tt.expected {
			t.Errorf("ErrorKind.String() = %q, want %q", tt.kind.String(), tt.expected)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ai.ErrorKind
	}{
		{"nil", nil, ai.KindUnknown},
		{"api 429", &openai.APIError{HTTPStatusCode: 429, Message: "slow"}, ai.KindRateLimited},
		{"api insufficient quota", &openai.APIError{HTTPStatusCode: 429, Type: "insufficient_quota"}, ai.KindAuth},
		{"api 401", &openai.APIError{HTTPStatusCode: 401}, ai.KindAuth},
		{"api 403", &openai.APIError{HTTPStatusCode: 403}, ai.KindAuth},
		{"api 500", &openai.APIError{HTTPStatusCode: 500}, ai.KindService},
		{"request 503", &openai.RequestError{HTTPStatusCode: 503, Err: errors.New("unavailable")}, ai.KindService},
		{"request 429", &openai.RequestError{HTTPStatusCode: 429, Err: errors.New("busy")}, ai.KindRateLimited},
		{"wrapped api error", fmt.Errorf("calling: %w", &openai.APIError{HTTPStatusCode: 401}), ai.KindAuth},
		{"url error", &url.Error{Op: "Post", URL: "http://x", Err: errors.New("connection refused")}, ai.KindConnection},
		{"dial error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, ai.KindConnection},
		{"deadline", context.DeadlineExceeded, ai.KindConnection},
		{"empty response", ai.ErrEmptyResponse, ai.KindService},
		{"other", errors.New("boom"), ai.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ai.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf_PrefersCarriedKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", &ai.Error{Kind: ai.KindRateLimited, Op: "complete", Err: errors.New("x")})
	if got := ai.KindOf(err); got != ai.KindRateLimited {
		t.Errorf("KindOf() = %v, want rate_limited", got)
	}
	if got := ai.KindOf(errors.New("plain")); got != ai.KindUnknown {
		t.Errorf("KindOf(plain) = %v, want unknown", got)
	}
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("inner")
	err := &ai.Error{Kind: ai.KindService, Op: "generate", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Error() != "ai generate (service): inner" {
		t.Errorf("Error() = %q", err.Error())
	}
}
