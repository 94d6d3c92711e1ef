package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultTextModel  = openai.GPT4oMini
	DefaultImageModel = openai.CreateImageModelDallE2
	DefaultImageSize  = openai.CreateImageSize256x256
)

// OpenAIProvider implements TextCompleter and ImageGenerator on the OpenAI
// API, or any compatible endpoint via WithBaseURL.
type OpenAIProvider struct {
	client     *openai.Client
	textModel  string
	imageModel string
	imageSize  string
	maxTokens  int
}

var (
	_ TextCompleter  = (*OpenAIProvider)(nil)
	_ ImageGenerator = (*OpenAIProvider)(nil)
	_ HealthChecker  = (*OpenAIProvider)(nil)
)

type openAIConfig struct {
	baseURL    string
	httpClient *http.Client
	org        string
}

// OpenAIOption configures an OpenAIProvider.
type OpenAIOption func(*OpenAIProvider, *openAIConfig)

// WithBaseURL sets the base URL for the OpenAI-compatible API.
func WithBaseURL(url string) OpenAIOption {
	return func(_ *OpenAIProvider, c *openAIConfig) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(_ *OpenAIProvider, c *openAIConfig) {
		c.httpClient = client
	}
}

// WithOrganization sets the OpenAI organization header.
func WithOrganization(org string) OpenAIOption {
	return func(_ *OpenAIProvider, c *openAIConfig) {
		c.org = org
	}
}

// WithTextModel sets the default chat model (default gpt-4o-mini).
func WithTextModel(model string) OpenAIOption {
	return func(p *OpenAIProvider, _ *openAIConfig) {
		p.textModel = model
	}
}

// WithImageModel sets the default image model (default dall-e-2).
func WithImageModel(model string) OpenAIOption {
	return func(p *OpenAIProvider, _ *openAIConfig) {
		p.imageModel = model
	}
}

// WithImageSize sets the default image size (default 256x256).
func WithImageSize(size string) OpenAIOption {
	return func(p *OpenAIProvider, _ *openAIConfig) {
		p.imageSize = size
	}
}

// WithMaxTokens caps completion length when the request does not set one.
// Zero leaves it to the service.
func WithMaxTokens(n int) OpenAIOption {
	return func(p *OpenAIProvider, _ *openAIConfig) {
		p.maxTokens = n
	}
}

// NewOpenAIProvider creates a provider authenticated with apiKey.
func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) *OpenAIProvider {
	p := &OpenAIProvider{
		textModel:  DefaultTextModel,
		imageModel: DefaultImageModel,
		imageSize:  DefaultImageSize,
	}
	var c openAIConfig
	for _, opt := range opts {
		opt(p, &c)
	}

	cfg := openai.DefaultConfig(apiKey)
	if c.baseURL != "" {
		cfg.BaseURL = c.baseURL
	}
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	if c.org != "" {
		cfg.OrgID = c.org
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.textModel
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = toChatMessage(m)
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return CompletionResponse{}, wrapError("complete", err)
	}
	if len(resp.Choices) == 0 {
		return CompletionResponse{}, wrapError("complete", fmt.Errorf("no choices: %w", ErrEmptyResponse))
	}

	return CompletionResponse{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// toChatMessage sends plain content as a string and switches to content
// parts only when images are attached.
func toChatMessage(m Message) openai.ChatCompletionMessage {
	if len(m.ImageURLs) == 0 {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	parts := make([]openai.ChatMessagePart, 0, len(m.ImageURLs)+1)
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: m.Content,
	})
	for _, u := range m.ImageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: u, Detail: openai.ImageURLDetailAuto},
		})
	}
	return openai.ChatCompletionMessage{Role: m.Role, MultiContent: parts}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req ImageRequest) (ImageResponse, error) {
	model := req.Model
	if model == "" {
		model = p.imageModel
	}
	size := req.Size
	if size == "" {
		size = p.imageSize
	}
	n := req.N
	if n <= 0 {
		n = 1
	}

	resp, err := p.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          model,
		Size:           size,
		N:              n,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return ImageResponse{}, wrapError("generate", err)
	}

	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
		}
	}
	if len(urls) == 0 {
		return ImageResponse{}, wrapError("generate", fmt.Errorf("no image data: %w", ErrEmptyResponse))
	}
	return ImageResponse{URLs: urls, Model: model}, nil
}

// HealthCheck verifies API availability via ListModels.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	if _, err := p.client.ListModels(ctx); err != nil {
		return wrapError("list models", err)
	}
	return nil
}
