package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/timeout"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/metrics"
)

const (
	DefaultProviderTimeout = 30 * time.Second

	defaultBreakerFailures = 5
	defaultBreakerDelay    = 30 * time.Second
)

// 单次尝试的结果标签
const (
	StatusSuccess     = "success"
	StatusRateLimited = "rate_limited"
	StatusTimeout     = "timeout"
	StatusCircuitOpen = "circuit_open"
	StatusEmpty       = "empty"
	StatusFailed      = "error"
)

// Entry 链上的一个后端及其附加信息
type Entry struct {
	Provider   Provider
	Model      string
	Timeout    time.Duration
	Cost       string
	DailyLimit string
}

type chainEntry struct {
	Entry
	breaker  circuitbreaker.CircuitBreaker[string]
	executor failsafe.Executor[string]
}

// Chain 按优先级依次尝试各后端，直到某个成功
type Chain struct {
	entries []*chainEntry
	logger  logging.Logger
	metrics *metrics.Metrics
}

// ProviderStatus 后端状态，供状态接口展示
type ProviderStatus struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	Available    bool   `json:"available"`
	CircuitState string `json:"circuit_state"`
	Cost         string `json:"cost,omitempty"`
	DailyLimit   string `json:"daily_limit,omitempty"`
}

// NewChain entries 的顺序即优先级
func NewChain(entries []Entry, logger logging.Logger, m *metrics.Metrics) *Chain {
	c := &Chain{
		entries: make([]*chainEntry, 0, len(entries)),
		logger:  logger,
		metrics: m,
	}
	for _, e := range entries {
		if e.Provider == nil {
			continue
		}
		if e.Timeout <= 0 {
			e.Timeout = DefaultProviderTimeout
		}
		c.entries = append(c.entries, c.newEntry(e))
	}
	return c
}

func (c *Chain) newEntry(e Entry) *chainEntry {
	name := e.Provider.Name()
	breaker := circuitbreaker.NewBuilder[string]().
		WithFailureThreshold(defaultBreakerFailures).
		WithDelay(defaultBreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			c.logger.WithFields(logging.Fields{
				"provider":   name,
				"from_state": stateName(event.OldState),
				"to_state":   stateName(event.NewState),
			}).Warn("llm circuit breaker state change")
		}).
		Build()

	// 超时在内层，超时也计入熔断
	tm := timeout.New[string](e.Timeout)

	return &chainEntry{
		Entry:    e,
		breaker:  breaker,
		executor: failsafe.With[string](breaker, tm),
	}
}

// NewChainFromConfig 未配置 api_key 的后端直接跳过
func NewChainFromConfig(cfg config.LLMConfig, logger logging.Logger, m *metrics.Metrics) (*Chain, error) {
	entries := make([]Entry, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		if pc.APIKey == "" {
			logger.WithField("provider", pc.Name).Info("llm provider skipped: no api key")
			continue
		}
		pcfg := ProviderConfig{
			Name:        pc.Name,
			Kind:        pc.Kind,
			Model:       pc.Model,
			APIKey:      pc.APIKey,
			BaseURL:     pc.BaseURL,
			Temperature: pc.Temperature,
			Timeout:     pc.Timeout,
			Cost:        pc.Cost,
			DailyLimit:  pc.DailyLimit,
		}
		provider, err := NewProvider(pcfg)
		if err != nil {
			return nil, fmt.Errorf("llm provider %q: %w", pc.Name, err)
		}
		entries = append(entries, Entry{
			Provider:   provider,
			Model:      modelOf(provider, pc.Model),
			Timeout:    pc.Timeout,
			Cost:       pc.Cost,
			DailyLimit: pc.DailyLimit,
		})
	}

	if len(entries) == 0 {
		logger.Error("no llm provider configured, every generation will fail")
	}

	return NewChain(entries, logger, m), nil
}

func modelOf(p Provider, fallback string) string {
	if withModel, ok := p.(interface{ Model() string }); ok {
		return withModel.Model()
	}
	return fallback
}

func (c *Chain) Name() string {
	return "chain"
}

// Len 已配置的后端数量
func (c *Chain) Len() int {
	return len(c.entries)
}

// Generate 依次尝试，全部失败返回 ErrAllProvidersExhausted，不透出后端错误
func (c *Chain) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	for _, e := range c.entries {
		if ctx.Err() != nil {
			break
		}

		name := e.Provider.Name()
		start := time.Now()
		reply, err := e.executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[string]) (string, error) {
			return e.Provider.Generate(exec.Context(), systemPrompt, userMessage, maxTokens)
		})
		// 空白回复视同失败，继续下一个后端
		if err == nil && strings.TrimSpace(reply) == "" {
			err = ErrEmptyResponse
		}
		status := classify(err)
		c.observe(name, status, time.Since(start))

		if err == nil {
			return reply, nil
		}

		fields := logging.Fields{
			"provider": name,
			"status":   status,
			"error":    err.Error(),
		}
		if status == StatusRateLimited {
			c.logger.WithFields(fields).Warn("llm provider rate limited, falling back")
		} else {
			c.logger.WithFields(fields).Error("llm provider failed, falling back")
		}
	}

	return "", ErrAllProvidersExhausted
}

// Status 各后端当前状态
func (c *Chain) Status() []ProviderStatus {
	statuses := make([]ProviderStatus, 0, len(c.entries))
	for _, e := range c.entries {
		statuses = append(statuses, ProviderStatus{
			Name:         e.Provider.Name(),
			Model:        e.Model,
			Available:    !e.breaker.IsOpen(),
			CircuitState: stateName(e.breaker.State()),
			Cost:         e.Cost,
			DailyLimit:   e.DailyLimit,
		})
	}
	return statuses
}

func (c *Chain) observe(provider, status string, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	c.metrics.ProviderRequests.WithLabelValues(provider, status).Inc()
	c.metrics.ProviderLatency.WithLabelValues(provider, status).Observe(elapsed.Seconds())
}

func classify(err error) string {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrRateLimited):
		return StatusRateLimited
	case errors.Is(err, circuitbreaker.ErrOpen):
		return StatusCircuitOpen
	case errors.Is(err, timeout.ErrExceeded), errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	case errors.Is(err, ErrEmptyResponse):
		return StatusEmpty
	default:
		return StatusFailed
	}
}

func stateName(state circuitbreaker.State) string {
	switch state {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
