package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// 核心引擎发出的通知名称。字段集合与链上事件保持一致。
const (
	AgentRegistered     = "agent.registered"
	AgentUpdated        = "agent.updated"
	ModelProfileCreated = "model_profile.created"
	ModelProfileUpdated = "model_profile.updated"
	IntentCreated       = "intent.created"
	IntentStatusUpdated = "intent.status_updated"
)

// Event 描述一次需要对外广播的记录变更。
type Event struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	OccurredAt int64          `json:"occurred_at"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// New 构造一个携带唯一标识与当前时间的事件。
func New(name string, fields map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now().Unix(),
		Fields:     fields,
	}
}

// Emitter 负责将事件投递到通知通道。投递是尽力而为的：
// 失败由调用方记录日志，绝不使包裹它的业务操作失败。
type Emitter interface {
	Emit(ctx context.Context, event Event) error
	Close() error
}
