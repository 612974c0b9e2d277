package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelConversationEvents = "conversation_events"
)

// 事件类型
const (
	EventConversationCreated = "conversation_created"
)

// ConversationEvent 对话落库事件，推送给人格所有者的实时面板
type ConversationEvent struct {
	Type           string    `json:"type"`
	AccountID      int64     `json:"account_id"`
	PersonaID      string    `json:"persona_id"`
	ConversationID int64     `json:"conversation_id"`
	Source         string    `json:"source"`
	IsNGDetected   bool      `json:"is_ng_detected"`
	Preview        string    `json:"preview,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// previewLimit 预览截断长度（按字符）
const previewLimit = 40

// Publisher Redis 发布者
type Publisher struct {
	client *redis.Client
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishConversation 发布对话事件
func (p *Publisher) PublishConversation(ctx context.Context, evt *ConversationEvent) error {
	if evt.Type == "" {
		evt.Type = EventConversationCreated
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now()
	}
	evt.Preview = truncate(evt.Preview, previewLimit)

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation event: %w", err)
	}

	return p.client.Publish(ctx, ChannelConversationEvents, data).Err()
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client *redis.Client
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 订阅对话事件，阻塞直到 ctx 结束
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*ConversationEvent)) error {
	sub := s.client.Subscribe(ctx, ChannelConversationEvents)
	defer sub.Close()

	// 等待订阅确认，保证返回前已经在监听
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var evt ConversationEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue // 忽略解析错误
			}

			handler(&evt)
		}
	}
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
