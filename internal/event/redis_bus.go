package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBusConfig 描述 Redis 事件通道的连接参数。
type RedisBusConfig struct {
	Address  string
	Password string
	DB       int
	List     string
}

// RedisBus 将事件以 JSON 形式 LPUSH 到 Redis list，
// 下游消费者通过 BRPOP 接收。
type RedisBus struct {
	client *redis.Client
	list   string
}

// NewRedisBus 创建 Redis 事件总线实例。
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "agentmesh:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisBus{client: client, list: list}, nil
}

// Emit 将事件投递到 Redis。
func (b *RedisBus) Emit(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	if err := b.client.LPush(ctx, b.list, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

// ensure interface compliance at compile time
var _ Emitter = (*RedisBus)(nil)
