package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxTokens 未指定时的最大输出 token 数
const DefaultMaxTokens = 500

const defaultTemperature = 0.7

var (
	ErrRateLimited           = errors.New("llm: rate limited")
	ErrEmptyResponse         = errors.New("llm: empty response")
	ErrAllProvidersExhausted = errors.New("llm: all providers exhausted")
)

// Provider 单个文本生成后端
type Provider interface {
	Name() string
	Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error)
}

// RateLimitError 后端返回 429 或限流错误码
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// StatusError 后端返回非 2xx
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// ProviderConfig 单个后端的配置
type ProviderConfig struct {
	Name        string
	Kind        string // openai, groq, gemini, anthropic
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	Timeout     time.Duration
	Cost        string
	DailyLimit  string
}

func (c ProviderConfig) temperature() float64 {
	if c.Temperature <= 0 {
		return defaultTemperature
	}
	return c.Temperature
}

// NewProvider 按 kind 创建后端
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(cfg.Kind) {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "groq":
		return NewGroqProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(cfg), nil
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider kind %q", cfg.Kind)
	}
}

// 部分后端在非 429 状态下也会用错误码表示限流
var rateLimitMarkers = []string{"rate_limit_exceeded", "RESOURCE_EXHAUSTED", "rate_limit_error"}

const maxErrorBody = 512

func postJSON(ctx context.Context, client httpDoer, provider, url string, headers map[string]string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", provider, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{Provider: provider, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		text := strings.TrimSpace(string(body))
		for _, marker := range rateLimitMarkers {
			if strings.Contains(text, marker) {
				return &RateLimitError{Provider: provider}
			}
		}
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: text}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		return time.Until(t)
	}
	return 0
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient() *http.Client {
	// 单次调用的超时由 Chain 控制
	return &http.Client{Timeout: 120 * time.Second}
}
