package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
)

type fakeProvider struct {
	name      string
	reply     string
	err       error
	delay     time.Duration
	calls     int32
	maxTokens int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	atomic.StoreInt32(&f.maxTokens, int32(maxTokens))
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestChain(providers ...*fakeProvider) *Chain {
	entries := make([]Entry, 0, len(providers))
	for _, p := range providers {
		entries = append(entries, Entry{Provider: p, Model: p.name + "-model"})
	}
	return NewChain(entries, logging.Discard(), nil)
}

func TestChain_FirstProviderSucceeds(t *testing.T) {
	first := &fakeProvider{name: "groq", reply: "from groq"}
	second := &fakeProvider{name: "gemini", reply: "from gemini"}
	chain := newTestChain(first, second)

	reply, err := chain.Generate(context.Background(), "sys", "hi", 200)
	require.NoError(t, err)
	assert.Equal(t, "from groq", reply)
	assert.Equal(t, int32(1), atomic.LoadInt32(&first.calls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&second.calls))
	assert.Equal(t, int32(200), atomic.LoadInt32(&first.maxTokens))
}

func TestChain_FallbackOnRateLimit(t *testing.T) {
	first := &fakeProvider{name: "groq", err: &RateLimitError{Provider: "groq"}}
	second := &fakeProvider{name: "gemini", reply: "T2"}
	chain := newTestChain(first, second)

	reply, err := chain.Generate(context.Background(), "sys", "hi", 0)
	require.NoError(t, err)
	assert.Equal(t, "T2", reply)
	assert.Equal(t, int32(DefaultMaxTokens), atomic.LoadInt32(&second.maxTokens))
}

func TestChain_FallbackOnGenericError(t *testing.T) {
	first := &fakeProvider{name: "groq", err: errors.New("connection reset")}
	second := &fakeProvider{name: "gemini", err: ErrEmptyResponse}
	third := &fakeProvider{name: "claude", reply: "T3"}
	chain := newTestChain(first, second, third)

	reply, err := chain.Generate(context.Background(), "sys", "hi", 100)
	require.NoError(t, err)
	assert.Equal(t, "T3", reply)
}

func TestChain_BlankReplyFallsThrough(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"empty", ""},
		{"whitespace", " \n\t"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blank := &fakeProvider{name: "blank", reply: tt.reply}
			backup := &fakeProvider{name: "backup", reply: "real"}
			chain := newTestChain(blank, backup)

			reply, err := chain.Generate(context.Background(), "sys", "hi", 100)
			require.NoError(t, err)
			assert.Equal(t, "real", reply)
			assert.Equal(t, int32(1), atomic.LoadInt32(&blank.calls))
			assert.Equal(t, int32(1), atomic.LoadInt32(&backup.calls))
		})
	}

	// 只有空白回复时链路耗尽
	chain := newTestChain(&fakeProvider{name: "blank", reply: "  "})
	_, err := chain.Generate(context.Background(), "sys", "hi", 100)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
}

func TestChain_AllFail(t *testing.T) {
	chain := newTestChain(
		&fakeProvider{name: "groq", err: &StatusError{Provider: "groq", StatusCode: 500}},
		&fakeProvider{name: "gemini", err: &RateLimitError{Provider: "gemini"}},
	)

	_, err := chain.Generate(context.Background(), "sys", "hi", 100)
	assert.Equal(t, ErrAllProvidersExhausted, err)
}

func TestChain_Empty(t *testing.T) {
	chain := newTestChain()

	_, err := chain.Generate(context.Background(), "sys", "hi", 100)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, 0, chain.Len())
}

func TestChain_TimeoutFallsThrough(t *testing.T) {
	slow := &fakeProvider{name: "slow", reply: "late", delay: time.Second}
	fast := &fakeProvider{name: "fast", reply: "fast reply"}
	chain := NewChain([]Entry{
		{Provider: slow, Timeout: 50 * time.Millisecond},
		{Provider: fast},
	}, logging.Discard(), nil)

	start := time.Now()
	reply, err := chain.Generate(context.Background(), "sys", "hi", 100)
	require.NoError(t, err)
	assert.Equal(t, "fast reply", reply)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestChain_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	broken := &fakeProvider{name: "broken", err: errors.New("down")}
	backup := &fakeProvider{name: "backup", reply: "ok"}
	chain := newTestChain(broken, backup)

	for i := 0; i < defaultBreakerFailures; i++ {
		_, err := chain.Generate(context.Background(), "sys", "hi", 10)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(defaultBreakerFailures), atomic.LoadInt32(&broken.calls))

	status := chain.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "open", status[0].CircuitState)
	assert.False(t, status[0].Available)
	assert.Equal(t, "closed", status[1].CircuitState)

	// 熔断打开后直接跳过
	reply, err := chain.Generate(context.Background(), "sys", "hi", 10)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, int32(defaultBreakerFailures), atomic.LoadInt32(&broken.calls))
}

func TestChain_CancelledContext(t *testing.T) {
	p := &fakeProvider{name: "groq", reply: "x"}
	chain := newTestChain(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := chain.Generate(ctx, "sys", "hi", 10)
	assert.ErrorIs(t, err, ErrAllProvidersExhausted)
	assert.Equal(t, int32(0), atomic.LoadInt32(&p.calls))
}

func TestNewChainFromConfig_SkipsProvidersWithoutKey(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: []config.LLMProviderConfig{
			{Name: "groq", Kind: "groq", APIKey: ""},
			{Name: "gemini", Kind: "gemini", APIKey: "g", Cost: "free tier"},
			{Name: "claude", Kind: "anthropic", APIKey: "c", Model: "claude-3-5-haiku-20241022"},
		},
	}

	chain, err := NewChainFromConfig(cfg, logging.Discard(), nil)
	require.NoError(t, err)
	require.Equal(t, 2, chain.Len())

	status := chain.Status()
	assert.Equal(t, "gemini", status[0].Name)
	assert.Equal(t, defaultGeminiModel, status[0].Model)
	assert.Equal(t, "free tier", status[0].Cost)
	assert.True(t, status[0].Available)
	assert.Equal(t, "claude", status[1].Name)
}

func TestNewChainFromConfig_UnknownKind(t *testing.T) {
	cfg := config.LLMConfig{
		Providers: []config.LLMProviderConfig{{Name: "x", Kind: "mystery", APIKey: "k"}},
	}

	_, err := NewChainFromConfig(cfg, logging.Discard(), nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, StatusSuccess, classify(nil))
	assert.Equal(t, StatusRateLimited, classify(&RateLimitError{Provider: "p"}))
	assert.Equal(t, StatusEmpty, classify(ErrEmptyResponse))
	assert.Equal(t, StatusTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, StatusFailed, classify(errors.New("x")))
}
