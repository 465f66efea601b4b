package event

import (
	"context"
	"errors"
	"sync"
)

// MemoryBus 使用 channel 缓冲事件，主要用于测试与单进程部署。
type MemoryBus struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus 创建一个内存事件总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size)}
}

// Emit 将事件写入缓冲。缓冲已满时丢弃最旧事件，保证发布方不被阻塞。
func (b *MemoryBus) Emit(ctx context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("事件总线已关闭")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- event:
		return nil
	default:
	}
	select {
	case <-b.ch:
	default:
	}
	b.ch <- event
	return nil
}

// Events 返回事件读取通道，供测试与订阅方消费。
func (b *MemoryBus) Events() <-chan Event {
	return b.ch
}

// Close 关闭内存总线。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	b.mu.Unlock()
	return nil
}

// ensure interface compliance at compile time
var _ Emitter = (*MemoryBus)(nil)
