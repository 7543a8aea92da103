package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeminiProvider completes prompts with a Google Gemini model.
type GeminiProvider struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

func NewGeminiProvider(ctx context.Context, apiKey, modelName string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.7)
	model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(SystemPrompt)}}
	return &GeminiProvider{client: client, model: model, name: "gemini"}, nil
}

func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) Close() error { return p.client.Close() }

func (p *GeminiProvider) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := p.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", p.wrap(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", &ProviderError{Provider: p.name, Err: errors.New("no candidates returned")}
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", &ProviderError{Provider: p.name, Err: errors.New("empty completion")}
	}
	return b.String(), nil
}

func (p *GeminiProvider) wrap(err error) error {
	perr := &ProviderError{Provider: p.name, Err: err}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		perr.StatusCode = gerr.Code
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.ResourceExhausted {
		perr.Code = "resource_exhausted"
	}
	return perr
}
