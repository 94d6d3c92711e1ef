// Package ai wraps the remote text-completion and image-generation services
// behind two small interfaces and classifies their failures.
package ai

import "context"

// Message represents a chat message. ImageURLs turns it into a multimodal
// message with one image part per URL.
type Message struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

// CompletionRequest is the input to a text completion.
type CompletionRequest struct {
	Messages  []Message `json:"messages"`
	Model     string    `json:"model,omitempty"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// CompletionResponse is the output of a text completion.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// TotalTokens returns the sum of input and output tokens.
func (r CompletionResponse) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

// ImageRequest is the input to an image generation.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
	N      int    `json:"n,omitempty"`
}

// ImageResponse holds the generated image references, first one first.
type ImageResponse struct {
	URLs  []string `json:"urls"`
	Model string   `json:"model"`
}

// URL returns the first generated image URL, or "" when there is none.
func (r ImageResponse) URL() string {
	if len(r.URLs) == 0 {
		return ""
	}
	return r.URLs[0]
}

// TextCompleter answers text and multimodal prompts.
type TextCompleter interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// ImageGenerator produces images from a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) (ImageResponse, error)
}

// HealthChecker is implemented by providers that can check the remote service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
