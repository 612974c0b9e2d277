package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"gorm.io/gorm"

	"github.com/qs3c/persona_go_server/internal/model"
)

var fixtureSeq int64

func nextSeq() int64 {
	return atomic.AddInt64(&fixtureSeq, 1)
}

// TestAccount 创建测试账号
func TestAccount(t *testing.T, db *gorm.DB, opts ...func(*model.Account)) *model.Account {
	t.Helper()

	seq := nextSeq()
	account := &model.Account{
		Email:            fmt.Sprintf("test_%d@example.com", seq),
		DisplayName:      fmt.Sprintf("tester_%d", seq),
		SubscriptionTier: model.TierStandard,
	}

	for _, opt := range opts {
		opt(account)
	}

	if err := db.Create(account).Error; err != nil {
		t.Fatalf("Failed to create test account: %v", err)
	}

	return account
}

// WithEmail 设置邮箱
func WithEmail(email string) func(*model.Account) {
	return func(a *model.Account) {
		a.Email = email
	}
}

// WithTier 设置订阅等级
func WithTier(tier string) func(*model.Account) {
	return func(a *model.Account) {
		a.SubscriptionTier = tier
	}
}

// WithDailyCount 设置当日已用次数及其所属日期
func WithDailyCount(count int, day string) func(*model.Account) {
	return func(a *model.Account) {
		a.DailyConversationCount = count
		a.LastConversationDay = day
	}
}

// WithCredits 设置次数券余额
func WithCredits(credits int) func(*model.Account) {
	return func(a *model.Account) {
		a.CreditBalance = credits
	}
}

// TestPersona 创建测试人格，默认启用且已配置 LINE
func TestPersona(t *testing.T, db *gorm.DB, accountID int64, opts ...func(*model.Persona)) *model.Persona {
	t.Helper()

	seq := nextSeq()
	persona := &model.Persona{
		AccountID:              accountID,
		Name:                   fmt.Sprintf("Persona %d", seq),
		SystemPrompt:           "あなたは親切なアシスタントです。",
		IsActive:               true,
		LineChannelSecret:      fmt.Sprintf("secret-%d", seq),
		LineChannelAccessToken: fmt.Sprintf("token-%d", seq),
	}

	for _, opt := range opts {
		opt(persona)
	}

	if err := db.Create(persona).Error; err != nil {
		t.Fatalf("Failed to create test persona: %v", err)
	}

	return persona
}

// WithSystemPrompt 设置系统提示词
func WithSystemPrompt(prompt string) func(*model.Persona) {
	return func(p *model.Persona) {
		p.SystemPrompt = prompt
	}
}

// WithExtraTaboo 设置附加禁忌话题
func WithExtraTaboo(topics string) func(*model.Persona) {
	return func(p *model.Persona) {
		p.ExtraTabooTopics = topics
	}
}

// WithInactive 设置为未启用
func WithInactive() func(*model.Persona) {
	return func(p *model.Persona) {
		p.IsActive = false
	}
}

// WithSuspended 设置为已停用
func WithSuspended() func(*model.Persona) {
	return func(p *model.Persona) {
		p.IsSuspended = true
	}
}

// WithLineConfig 设置 LINE 渠道密钥和令牌，传空字符串表示未配置
func WithLineConfig(secret, token string) func(*model.Persona) {
	return func(p *model.Persona) {
		p.LineChannelSecret = secret
		p.LineChannelAccessToken = token
	}
}

// TestConversation 创建测试对话记录
func TestConversation(t *testing.T, db *gorm.DB, personaID string, opts ...func(*model.Conversation)) *model.Conversation {
	t.Helper()

	conv := &model.Conversation{
		PersonaID:   personaID,
		Source:      model.SourceWeb,
		UserMessage: "こんにちは",
		AIReply:     "こんにちは！",
	}

	for _, opt := range opts {
		opt(conv)
	}

	if err := db.Create(conv).Error; err != nil {
		t.Fatalf("Failed to create test conversation: %v", err)
	}

	return conv
}

// WithSource 设置来源渠道和外部用户
func WithSource(source string, externalUserID *string) func(*model.Conversation) {
	return func(c *model.Conversation) {
		c.Source = source
		c.ExternalUserID = externalUserID
	}
}

// WithNGDetected 标记为已拦截
func WithNGDetected() func(*model.Conversation) {
	return func(c *model.Conversation) {
		c.IsNGDetected = true
	}
}
