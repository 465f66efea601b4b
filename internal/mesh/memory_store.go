package mesh

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
)

// MemoryStore 以内存方式保存网格记录，主要用于测试。
// 单条记录上的读写由互斥锁串行化，与账本运行时的单记录原子性语义一致。
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[common.Hash]*AgentIdentity
	profiles map[common.Hash]*ModelProfile
	intents  map[common.Hash]*AgentIntent
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[common.Hash]*AgentIdentity),
		profiles: make(map[common.Hash]*ModelProfile),
		intents:  make(map[common.Hash]*AgentIntent),
	}
}

// CreateAgent 实现 Store 接口。
func (m *MemoryStore) CreateAgent(_ context.Context, agent *AgentIdentity) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.Address]; ok {
		return ErrDuplicateRecord
	}
	m.agents[agent.Address] = cloneAgent(agent)
	return nil
}

// GetAgent 返回指定地址的智能体记录。
func (m *MemoryStore) GetAgent(_ context.Context, addr common.Hash) (*AgentIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[addr]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneAgent(agent), nil
}

// PutAgent 覆盖已存在的智能体记录。
func (m *MemoryStore) PutAgent(_ context.Context, agent *AgentIdentity) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.Address]; !ok {
		return ErrRecordNotFound
	}
	m.agents[agent.Address] = cloneAgent(agent)
	return nil
}

// CreateProfile 实现 Store 接口。
func (m *MemoryStore) CreateProfile(_ context.Context, profile *ModelProfile) error {
	if profile == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "profile 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[profile.Address]; ok {
		return ErrDuplicateRecord
	}
	m.profiles[profile.Address] = cloneProfile(profile)
	return nil
}

// GetProfile 返回指定地址的模型档案。
func (m *MemoryStore) GetProfile(_ context.Context, addr common.Hash) (*ModelProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	profile, ok := m.profiles[addr]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneProfile(profile), nil
}

// PutProfile 覆盖已存在的模型档案。
func (m *MemoryStore) PutProfile(_ context.Context, profile *ModelProfile) error {
	if profile == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "profile 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[profile.Address]; !ok {
		return ErrRecordNotFound
	}
	m.profiles[profile.Address] = cloneProfile(profile)
	return nil
}

// CreateIntent 实现 Store 接口。并发创建同一地址时恰好一个成功。
func (m *MemoryStore) CreateIntent(_ context.Context, intent *AgentIntent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.Address]; ok {
		return ErrDuplicateRecord
	}
	m.intents[intent.Address] = cloneIntent(intent)
	return nil
}

// GetIntent 返回指定地址的意向记录。
func (m *MemoryStore) GetIntent(_ context.Context, addr common.Hash) (*AgentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	intent, ok := m.intents[addr]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneIntent(intent), nil
}

// PutIntent 覆盖已存在的意向记录。
func (m *MemoryStore) PutIntent(_ context.Context, intent *AgentIntent) error {
	if intent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "intent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.Address]; !ok {
		return ErrRecordNotFound
	}
	m.intents[intent.Address] = cloneIntent(intent)
	return nil
}

// ListIntents 返回符合过滤条件的意向。
func (m *MemoryStore) ListIntents(_ context.Context, opts ListOptions) ([]*AgentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*AgentIntent, 0, len(m.intents))
	for _, intent := range m.intents {
		if !matchesListFilters(intent, opts) {
			continue
		}
		results = append(results, cloneIntent(intent))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.Address.Hex() > b.Address.Hex()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*AgentIntent{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// IntentStats 统计符合过滤条件的意向数量、托管总额与更新时间范围。
func (m *MemoryStore) IntentStats(_ context.Context, opts ListOptions) (IntentStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := IntentStats{}
	for _, intent := range m.intents {
		if !matchesListFilters(intent, opts) {
			continue
		}
		stats.Total++
		switch intent.Status {
		case StatusPending:
			stats.Pending++
		case StatusAccepted:
			stats.Accepted++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if !intent.Status.IsTerminal() {
			stats.EscrowedAmount += intent.PaymentAmount
		}
		if intent.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = intent.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (intent.UpdatedAt != 0 && intent.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = intent.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(intent *AgentIntent, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if intent.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.FromAgent != "" && !strings.EqualFold(intent.FromAgent.Hex(), opts.FromAgent) {
		return false
	}
	if opts.ToAgent != "" && !strings.EqualFold(intent.ToAgent.Hex(), opts.ToAgent) {
		return false
	}
	if opts.UpdatedGTE > 0 && intent.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && intent.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasResult != nil && intentHasResult(intent) != *opts.HasResult {
		return false
	}
	return true
}

func intentHasResult(intent *AgentIntent) bool {
	if intent == nil {
		return false
	}
	return intent.ResultHash != (common.Hash{}) || intent.ResultURI != ""
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
