package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/config"
	"github.com/qs3c/persona_go_server/internal/model"
	"github.com/qs3c/persona_go_server/internal/pkg/llm"
	"github.com/qs3c/persona_go_server/internal/pkg/logging"
	"github.com/qs3c/persona_go_server/internal/pkg/moderation"
	"github.com/qs3c/persona_go_server/internal/pkg/pubsub"
	"github.com/qs3c/persona_go_server/internal/repository"
	"github.com/qs3c/persona_go_server/internal/testutil"
)

type stubGenerator struct {
	reply string
	err   error
	calls int32
}

func (g *stubGenerator) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *stubGenerator) Calls() int {
	return int(atomic.LoadInt32(&g.calls))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*pubsub.ConversationEvent
}

func (p *recordingPublisher) PublishConversation(ctx context.Context, evt *pubsub.ConversationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Events() []*pubsub.ConversationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pubsub.ConversationEvent(nil), p.events...)
}

type pipelineFixture struct {
	db        *gorm.DB
	service   *ConversationService
	generator *stubGenerator
	publisher *recordingPublisher
}

func setupPipeline(t *testing.T, cfg *config.Config, generator Generator) *pipelineFixture {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	quota := newTestQuotaService(db, cfg)
	publisher := &recordingPublisher{}

	stub, _ := generator.(*stubGenerator)

	service := NewConversationService(
		repository.NewPersonaRepository(db),
		repository.NewConversationRepository(db),
		quota,
		generator,
		moderation.NewFilter(),
		publisher,
		cfg,
		logging.Discard(),
		nil,
	)

	return &pipelineFixture{db: db, service: service, generator: stub, publisher: publisher}
}

func countConversations(t *testing.T, db *gorm.DB, personaID string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.Conversation{}).Where("persona_id = ?", personaID).Count(&count).Error)
	return count
}

func TestConversationService_HandleTurn_Completed(t *testing.T) {
	gen := &stubGenerator{reply: "こんにちは！今日はどうしましたか？"}
	f := setupPipeline(t, testConfig(), gen)

	account := testutil.TestAccount(t, f.db, testutil.WithDailyCount(1, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	result, err := f.service.HandleTurn(context.Background(), TurnRequest{
		PersonaID: persona.ID,
		AccountID: account.ID,
		Text:      "hello",
		Channel:   model.SourceWeb,
	})
	require.NoError(t, err)
	assert.Equal(t, gen.reply, result.Reply)
	assert.False(t, result.WasRefused)
	assert.NotZero(t, result.ConversationID)
	assert.Equal(t, 1, gen.Calls())

	var conv model.Conversation
	require.NoError(t, f.db.First(&conv, result.ConversationID).Error)
	assert.Equal(t, "hello", conv.UserMessage)
	assert.Equal(t, gen.reply, conv.AIReply)
	assert.False(t, conv.IsNGDetected)
	assert.Equal(t, model.SourceWeb, conv.Source)
	assert.Nil(t, conv.ExternalUserID)

	found := reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 2, found.DailyConversationCount)

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, pubsub.EventConversationCreated, events[0].Type)
	assert.Equal(t, account.ID, events[0].AccountID)
	assert.Equal(t, result.ConversationID, events[0].ConversationID)
}

func TestConversationService_HandleTurn_NotFound(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	f := setupPipeline(t, testConfig(), gen)
	ctx := context.Background()

	owner := testutil.TestAccount(t, f.db)
	stranger := testutil.TestAccount(t, f.db)
	persona := testutil.TestPersona(t, f.db, owner.ID)
	inactive := testutil.TestPersona(t, f.db, owner.ID, testutil.WithInactive())
	suspended := testutil.TestPersona(t, f.db, owner.ID, testutil.WithSuspended())

	tests := []struct {
		name string
		req  TurnRequest
	}{
		{"unknown persona", TurnRequest{PersonaID: "missing", AccountID: owner.ID, Text: "hi"}},
		{"not owner", TurnRequest{PersonaID: persona.ID, AccountID: stranger.ID, Text: "hi"}},
		{"inactive persona", TurnRequest{PersonaID: inactive.ID, AccountID: owner.ID, Text: "hi"}},
		{"suspended persona on web", TurnRequest{PersonaID: suspended.ID, AccountID: owner.ID, Text: "hi", Channel: model.SourceWeb}},
		{"suspended persona on line", TurnRequest{PersonaID: suspended.ID, Text: "hi", Channel: model.SourceLine, ExternalUserID: "U1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.HandleTurn(ctx, tt.req)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}

	assert.Equal(t, 0, gen.Calls())
}

func TestConversationService_HandleTurn_LineChannel(t *testing.T) {
	gen := &stubGenerator{reply: "LINE からこんにちは"}
	f := setupPipeline(t, testConfig(), gen)
	ctx := context.Background()

	owner := testutil.TestAccount(t, f.db, testutil.WithDailyCount(0, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, owner.ID)

	t.Run("charged to owner", func(t *testing.T) {
		result, err := f.service.HandleTurn(ctx, TurnRequest{
			PersonaID:      persona.ID,
			Text:           "hello",
			Channel:        model.SourceLine,
			ExternalUserID: "U1234",
		})
		require.NoError(t, err)
		assert.Equal(t, gen.reply, result.Reply)

		var conv model.Conversation
		require.NoError(t, f.db.First(&conv, result.ConversationID).Error)
		assert.Equal(t, model.SourceLine, conv.Source)
		require.NotNil(t, conv.ExternalUserID)
		assert.Equal(t, "U1234", *conv.ExternalUserID)

		found := reloadAccount(t, f.db, owner.ID)
		assert.Equal(t, 1, found.DailyConversationCount)
	})

	t.Run("suspended persona", func(t *testing.T) {
		suspended := testutil.TestPersona(t, f.db, owner.ID, testutil.WithSuspended())
		_, err := f.service.HandleTurn(ctx, TurnRequest{PersonaID: suspended.ID, Text: "hi", Channel: model.SourceLine})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("line not configured", func(t *testing.T) {
		bare := testutil.TestPersona(t, f.db, owner.ID, testutil.WithLineConfig("", ""))
		_, err := f.service.HandleTurn(ctx, TurnRequest{PersonaID: bare.ID, Text: "hi", Channel: model.SourceLine})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConversationService_HandleTurn_QuotaDenied(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	f := setupPipeline(t, testConfig(), gen)

	account := testutil.TestAccount(t, f.db, testutil.WithDailyCount(3, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	_, err := f.service.HandleTurn(context.Background(), TurnRequest{
		PersonaID: persona.ID,
		AccountID: account.ID,
		Text:      "hello",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	var quotaErr *QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)
	assert.Equal(t, "daily limit reached", quotaErr.Reason)
	assert.Equal(t, 3, quotaErr.Limit)
	assert.Equal(t, 3, quotaErr.Used)

	assert.Equal(t, 0, gen.Calls())
	assert.Equal(t, int64(0), countConversations(t, f.db, persona.ID))
}

func TestConversationService_HandleTurn_InputFlagged(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	f := setupPipeline(t, testConfig(), gen)

	account := testutil.TestAccount(t, f.db, testutil.WithCredits(2), testutil.WithDailyCount(0, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	result, err := f.service.HandleTurn(context.Background(), TurnRequest{
		PersonaID: persona.ID,
		AccountID: account.ID,
		Text:      "恋愛の話をしよう",
	})
	require.NoError(t, err)
	assert.True(t, result.WasRefused)
	assert.Equal(t, moderation.SafeRefusalMessage, result.Reply)
	assert.Equal(t, 0, gen.Calls())

	found := reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 2, found.CreditBalance)
	assert.Equal(t, 0, found.DailyConversationCount)

	var conv model.Conversation
	require.NoError(t, f.db.First(&conv, result.ConversationID).Error)
	assert.Equal(t, "恋愛の話をしよう", conv.UserMessage)
	assert.Equal(t, moderation.SafeRefusalMessage, conv.AIReply)
	assert.True(t, conv.IsNGDetected)
}

func TestConversationService_HandleTurn_OutputFlagged(t *testing.T) {
	gen := &stubGenerator{reply: "今なら株を買うのがおすすめです"}
	f := setupPipeline(t, testConfig(), gen)

	account := testutil.TestAccount(t, f.db, testutil.WithDailyCount(1, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	result, err := f.service.HandleTurn(context.Background(), TurnRequest{
		PersonaID: persona.ID,
		AccountID: account.ID,
		Text:      "おすすめを教えて",
	})
	require.NoError(t, err)
	assert.True(t, result.WasRefused)
	assert.Equal(t, moderation.SafeRefusalMessage, result.Reply)
	assert.Equal(t, 1, gen.Calls())

	var conv model.Conversation
	require.NoError(t, f.db.First(&conv, result.ConversationID).Error)
	assert.Equal(t, "おすすめを教えて", conv.UserMessage)
	assert.Equal(t, moderation.SafeRefusalMessage, conv.AIReply)
	assert.NotContains(t, conv.AIReply, "株")
	assert.True(t, conv.IsNGDetected)

	// 不计费
	found := reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 1, found.DailyConversationCount)
}

func TestConversationService_HandleTurn_GenerationUnavailable(t *testing.T) {
	gen := &stubGenerator{err: llm.ErrAllProvidersExhausted}
	f := setupPipeline(t, testConfig(), gen)

	account := testutil.TestAccount(t, f.db, testutil.WithDailyCount(0, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	result, err := f.service.HandleTurn(context.Background(), TurnRequest{
		PersonaID: persona.ID,
		AccountID: account.ID,
		Text:      "hello",
	})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.NotErrorIs(t, err, llm.ErrAllProvidersExhausted)

	assert.Equal(t, int64(0), countConversations(t, f.db, persona.ID))
	found := reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 0, found.DailyConversationCount)
	assert.Empty(t, f.publisher.Events())
}

type failingProvider struct {
	name  string
	calls int32
}

func (p *failingProvider) Name() string { return p.name }

func (p *failingProvider) Generate(ctx context.Context, systemPrompt, userMessage string, maxTokens int) (string, error) {
	atomic.AddInt32(&p.calls, 1)
	return "", &llm.RateLimitError{Provider: p.name}
}

func TestConversationService_HandleTurn_AllProvidersFail(t *testing.T) {
	first := &failingProvider{name: "groq"}
	second := &failingProvider{name: "gemini"}
	chain := llm.NewChain([]llm.Entry{{Provider: first}, {Provider: second}}, logging.Discard(), nil)
	f := setupPipeline(t, testConfig(), chain)

	account := testutil.TestAccount(t, f.db)
	persona := testutil.TestPersona(t, f.db, account.ID)

	_, err := f.service.HandleTurn(context.Background(), TurnRequest{
		PersonaID: persona.ID,
		AccountID: account.ID,
		Text:      "hello",
	})
	assert.ErrorIs(t, err, ErrGenerationUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&first.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second.calls))
	assert.Equal(t, int64(0), countConversations(t, f.db, persona.ID))
}

func TestConversationService_HandleTurn_CreditNeverNegative(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	f := setupPipeline(t, testConfig(), gen)
	ctx := context.Background()

	account := testutil.TestAccount(t, f.db, testutil.WithCredits(1), testutil.WithDailyCount(0, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	req := TurnRequest{PersonaID: persona.ID, AccountID: account.ID, Text: "hello"}

	_, err := f.service.HandleTurn(ctx, req)
	require.NoError(t, err)
	found := reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 0, found.CreditBalance)
	assert.Equal(t, 1, found.DailyConversationCount)

	_, err = f.service.HandleTurn(ctx, req)
	require.NoError(t, err)
	found = reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 0, found.CreditBalance)
	assert.Equal(t, 2, found.DailyConversationCount)
}

func TestConversationService_HandleTurn_ConcurrentSingleCredit(t *testing.T) {
	gen := &stubGenerator{reply: "ok"}
	cfg := testConfig()
	cfg.Subscription.Levels[model.TierStandard] = config.SubscriptionLevel{DailyConversations: 10}
	f := setupPipeline(t, cfg, gen)

	account := testutil.TestAccount(t, f.db, testutil.WithCredits(1), testutil.WithDailyCount(0, "2024-06-01"))
	persona := testutil.TestPersona(t, f.db, account.ID)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.service.HandleTurn(context.Background(), TurnRequest{
				PersonaID: persona.ID,
				AccountID: account.ID,
				Text:      "hello",
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}

	found := reloadAccount(t, f.db, account.ID)
	assert.Equal(t, 0, found.CreditBalance)
	assert.Equal(t, n, found.DailyConversationCount)

	var creditLogs int64
	require.NoError(t, f.db.Model(&model.UsageLog{}).
		Where("account_id = ? AND consumed_credit = ?", account.ID, true).
		Count(&creditLogs).Error)
	assert.Equal(t, int64(1), creditLogs)
}

func TestConversationService_HandleTurn_PersonaTerms(t *testing.T) {
	t.Run("prompt only by default", func(t *testing.T) {
		gen := &stubGenerator{reply: "ok"}
		f := setupPipeline(t, testConfig(), gen)

		account := testutil.TestAccount(t, f.db)
		persona := testutil.TestPersona(t, f.db, account.ID, testutil.WithExtraTaboo("ゲーム、アニメ"))

		result, err := f.service.HandleTurn(context.Background(), TurnRequest{
			PersonaID: persona.ID, AccountID: account.ID, Text: "ゲームの話",
		})
		require.NoError(t, err)
		assert.False(t, result.WasRefused)
	})

	t.Run("merged when enabled", func(t *testing.T) {
		gen := &stubGenerator{reply: "ok"}
		cfg := testConfig()
		cfg.Moderation.MergePersonaTerms = true
		f := setupPipeline(t, cfg, gen)

		account := testutil.TestAccount(t, f.db)
		persona := testutil.TestPersona(t, f.db, account.ID, testutil.WithExtraTaboo("ゲーム、アニメ"))

		result, err := f.service.HandleTurn(context.Background(), TurnRequest{
			PersonaID: persona.ID, AccountID: account.ID, Text: "ゲームの話",
		})
		require.NoError(t, err)
		assert.True(t, result.WasRefused)
		assert.Equal(t, 0, gen.Calls())
	})
}

func TestConversationService_ListConversations(t *testing.T) {
	f := setupPipeline(t, testConfig(), &stubGenerator{reply: "ok"})
	ctx := context.Background()

	owner := testutil.TestAccount(t, f.db)
	stranger := testutil.TestAccount(t, f.db)
	persona := testutil.TestPersona(t, f.db, owner.ID)
	for i := 0; i < 3; i++ {
		testutil.TestConversation(t, f.db, persona.ID)
	}

	items, total, err := f.service.ListConversations(ctx, owner.ID, persona.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, items, 2)
	assert.NotEmpty(t, items[0].CreatedAt)

	_, _, err = f.service.ListConversations(ctx, stranger.ID, persona.ID, 1, 20)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationService_UpdateRating(t *testing.T) {
	f := setupPipeline(t, testConfig(), &stubGenerator{reply: "ok"})
	ctx := context.Background()

	owner := testutil.TestAccount(t, f.db)
	stranger := testutil.TestAccount(t, f.db)
	persona := testutil.TestPersona(t, f.db, owner.ID)
	conv := testutil.TestConversation(t, f.db, persona.ID)

	assert.ErrorIs(t, f.service.UpdateRating(ctx, owner.ID, conv.ID, 0), ErrInvalidRating)
	assert.ErrorIs(t, f.service.UpdateRating(ctx, owner.ID, conv.ID, 6), ErrInvalidRating)
	assert.ErrorIs(t, f.service.UpdateRating(ctx, owner.ID, 99999, 3), ErrConversationNotFound)
	assert.ErrorIs(t, f.service.UpdateRating(ctx, stranger.ID, conv.ID, 3), ErrConversationPermission)

	require.NoError(t, f.service.UpdateRating(ctx, owner.ID, conv.ID, 5))

	var found model.Conversation
	require.NoError(t, f.db.First(&found, conv.ID).Error)
	require.NotNil(t, found.Rating)
	assert.Equal(t, 5, *found.Rating)
}
