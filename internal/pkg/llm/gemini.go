package llm

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultGeminiURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel = "gemini-2.0-flash-exp"
)

// GeminiProvider generateContent 接口，系统提示与用户消息拼成一段
type GeminiProvider struct {
	client      httpDoer
	name        string
	apiKey      string
	apiURL      string
	model       string
	temperature float64
}

func NewGeminiProvider(cfg ProviderConfig) *GeminiProvider {
	apiURL := strings.TrimRight(cfg.BaseURL, "/")
	if apiURL == "" {
		apiURL = defaultGeminiURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	name := cfg.Name
	if name == "" {
		name = "gemini"
	}
	return &GeminiProvider{
		client:      newHTTPClient(),
		name:        name,
		apiKey:      cfg.APIKey,
		apiURL:      apiURL,
		model:       model,
		temperature: cfg.temperature(),
	}
}

func (p *GeminiProvider) Name() string {
	return p.name
}

func (p *GeminiProvider) Model() string {
	return p.model
}

func (p *GeminiProvider) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	prompt := systemPrompt + "\n\nUser: " + userMessage
	reqBody := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     p.temperature,
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.apiURL, p.model)
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["x-goog-api-key"] = p.apiKey
	}

	var resp geminiResponse
	if err := postJSON(ctx, p.client, p.name, url, headers, reqBody, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	reply := sb.String()
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyResponse
	}
	return reply, nil
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int     `json:"maxOutputTokens"`
	Temperature     float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}
