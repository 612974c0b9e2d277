package llm

import (
	"context"
	"strings"
)

const (
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultGroqURL     = "https://api.groq.com/openai/v1"
	defaultGroqModel   = "llama-3.3-70b-versatile"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIProvider OpenAI 兼容的 chat completions 接口，Groq 也走这里
type OpenAIProvider struct {
	client      httpDoer
	name        string
	apiKey      string
	apiURL      string
	model       string
	temperature float64
}

func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	return newOpenAICompatible(cfg, "openai", defaultOpenAIURL, defaultOpenAIModel)
}

// NewGroqProvider Groq 使用 OpenAI 兼容协议
func NewGroqProvider(cfg ProviderConfig) *OpenAIProvider {
	return newOpenAICompatible(cfg, "groq", defaultGroqURL, defaultGroqModel)
}

func newOpenAICompatible(cfg ProviderConfig, defaultName, defaultURL, defaultModel string) *OpenAIProvider {
	apiURL := strings.TrimRight(cfg.BaseURL, "/")
	if apiURL == "" {
		apiURL = defaultURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	name := cfg.Name
	if name == "" {
		name = defaultName
	}
	return &OpenAIProvider{
		client:      newHTTPClient(),
		name:        name,
		apiKey:      cfg.APIKey,
		apiURL:      apiURL,
		model:       model,
		temperature: cfg.temperature(),
	}
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	reqBody := openAIRequest{
		Model: p.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		MaxTokens:   maxTokens,
		Temperature: p.temperature,
		TopP:        1,
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	var resp openAIResponse
	if err := postJSON(ctx, p.client, p.name, p.apiURL+"/chat/completions", headers, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	reply := resp.Choices[0].Message.Content
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}
