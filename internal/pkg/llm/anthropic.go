package llm

import (
	"context"
	"strings"
)

const (
	defaultAnthropicURL   = "https://api.anthropic.com"
	defaultAnthropicModel = "claude-3-5-haiku-20241022"
	anthropicVersion      = "2023-06-01"
)

// AnthropicProvider Messages API，非流式
type AnthropicProvider struct {
	client      httpDoer
	name        string
	apiKey      string
	apiURL      string
	model       string
	temperature float64
}

func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	apiURL := strings.TrimRight(cfg.BaseURL, "/")
	if apiURL == "" {
		apiURL = defaultAnthropicURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	return &AnthropicProvider{
		client:      newHTTPClient(),
		name:        name,
		apiKey:      cfg.APIKey,
		apiURL:      apiURL,
		model:       model,
		temperature: cfg.temperature(),
	}
}

func (p *AnthropicProvider) Name() string {
	return p.name
}

func (p *AnthropicProvider) Model() string {
	return p.model
}

func (p *AnthropicProvider) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	reqBody := anthropicRequest{
		Model:       p.model,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Temperature: p.temperature,
		Messages: []anthropicMessage{
			{Role: "user", Content: userMessage},
		},
	}

	headers := map[string]string{
		"anthropic-version": anthropicVersion,
	}
	if p.apiKey != "" {
		headers["x-api-key"] = p.apiKey
	}

	var resp anthropicResponse
	if err := postJSON(ctx, p.client, p.name, p.apiURL+"/v1/messages", headers, reqBody, &resp); err != nil {
		return "", err
	}

	for _, block := range resp.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			return block.Text, nil
		}
	}
	return "", ErrEmptyResponse
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}
