package queue

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Deduper 基于 SETNX 的事件去重
type Deduper struct {
	client *redis.Client
	prefix string
}

func NewDeduper(client *redis.Client, prefix string) *Deduper {
	return &Deduper{client: client, prefix: prefix}
}

// FirstSeen 第一次见到该 ID 返回 true，ID 为空时总是返回 true
func (d *Deduper) FirstSeen(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if id == "" {
		return true, nil
	}
	return d.client.SetNX(ctx, d.prefix+id, 1, ttl).Result()
}

// Forget 处理入队失败时释放，允许平台重投
func (d *Deduper) Forget(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return d.client.Del(ctx, d.prefix+id).Err()
}
