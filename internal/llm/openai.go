package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures any OpenAI-compatible chat completion endpoint
// (Groq, OpenRouter, OpenAI itself).
type OpenAIConfig struct {
	Name        string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	HTTPClient  *http.Client
}

type OpenAIProvider struct {
	name        string
	client      *openai.Client
	model       string
	temperature float32
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	return &OpenAIProvider{
		name:        name,
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temperature,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: p.temperature,
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", p.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.name, Err: errors.New("no choices returned")}
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &ProviderError{Provider: p.name, Err: errors.New("empty completion")}
	}
	return content, nil
}

func (p *OpenAIProvider) wrap(err error) error {
	perr := &ProviderError{Provider: p.name, Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		perr.StatusCode = apiErr.HTTPStatusCode
		perr.Code = codeString(apiErr.Code)
	case errors.As(err, &reqErr):
		perr.StatusCode = reqErr.HTTPStatusCode
	}
	return perr
}

// codeString normalizes APIError.Code, which the SDK decodes as either an
// int or a string.
func codeString(code any) string {
	switch v := code.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
