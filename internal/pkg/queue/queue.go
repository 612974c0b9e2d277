package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Queue struct {
	client    *redis.Client
	queueName string
}

// TurnMessage 一条待处理的 LINE 文本消息事件
type TurnMessage struct {
	EventID        string `json:"event_id"`
	PersonaID      string `json:"persona_id"`
	ReplyToken     string `json:"reply_token"`
	ExternalUserID string `json:"external_user_id"`
	Text           string `json:"text"`
	Timestamp      int64  `json:"timestamp"`
	Redelivery     bool   `json:"redelivery,omitempty"`
}

func NewQueue(client *redis.Client, queueName string) *Queue {
	return &Queue{
		client:    client,
		queueName: queueName,
	}
}

// Push 将事件加入队列
func (q *Queue) Push(ctx context.Context, msg *TurnMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return q.client.LPush(ctx, q.queueName, data).Err()
}

// Pop 从队列获取事件（阻塞）
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*TurnMessage, error) {
	result, err := q.client.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // 超时，无事件
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	return decode(result[1])
}

// PopBatch 阻塞等待第一条，再非阻塞地最多取满 limit 条
func (q *Queue) PopBatch(ctx context.Context, timeout time.Duration, limit int) ([]*TurnMessage, error) {
	first, err := q.Pop(ctx, timeout)
	if err != nil || first == nil {
		return nil, err
	}

	batch := []*TurnMessage{first}
	for len(batch) < limit {
		raw, err := q.client.RPop(ctx, q.queueName).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return batch, fmt.Errorf("failed to pop from queue: %w", err)
		}

		msg, err := decode(raw)
		if err != nil {
			continue // 丢弃无法解析的消息
		}
		batch = append(batch, msg)
	}

	return batch, nil
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueName).Result()
}

func decode(raw string) (*TurnMessage, error) {
	var msg TurnMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}
