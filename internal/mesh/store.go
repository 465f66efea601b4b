package mesh

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Store 抽象了网格记录的持久化接口。Create 系列操作在推导地址上
// 保证 create-if-absent 语义：地址已被占用时返回 ErrDuplicateRecord。
// Put 系列操作只覆盖已存在的记录，地址为空时返回 ErrRecordNotFound。
type Store interface {
	CreateAgent(ctx context.Context, agent *AgentIdentity) error
	GetAgent(ctx context.Context, addr common.Hash) (*AgentIdentity, error)
	PutAgent(ctx context.Context, agent *AgentIdentity) error

	CreateProfile(ctx context.Context, profile *ModelProfile) error
	GetProfile(ctx context.Context, addr common.Hash) (*ModelProfile, error)
	PutProfile(ctx context.Context, profile *ModelProfile) error

	CreateIntent(ctx context.Context, intent *AgentIntent) error
	GetIntent(ctx context.Context, addr common.Hash) (*AgentIntent, error)
	PutIntent(ctx context.Context, intent *AgentIntent) error
	ListIntents(ctx context.Context, opts ListOptions) ([]*AgentIntent, error)
	IntentStats(ctx context.Context, opts ListOptions) (IntentStats, error)

	Close() error
}
