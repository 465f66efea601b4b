package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
)

type accountKey struct {
	mint    common.Hash
	account common.Hash
}

type account struct {
	owner   common.Hash
	balance uint64
}

// MemoryLedger 以内存方式记账，是进程内部署与测试使用的价值账本。
// Transfer 在单把锁内完成借记与贷记，天然满足原子性要求。
type MemoryLedger struct {
	mu       sync.RWMutex
	accounts map[accountKey]*account
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[accountKey]*account)}
}

// CreateAccount 实现 Ledger 接口。
func (m *MemoryLedger) CreateAccount(_ context.Context, mint, acct, owner common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := accountKey{mint: mint, account: acct}
	if existing, ok := m.accounts[key]; ok {
		if existing.owner == owner {
			return nil
		}
		return ErrDuplicateAccount
	}
	m.accounts[key] = &account{owner: owner}
	return nil
}

// Deposit 实现 Ledger 接口。
func (m *MemoryLedger) Deposit(_ context.Context, mint, acct common.Hash, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.accounts[accountKey{mint: mint, account: acct}]
	if !ok {
		return ErrUnknownAccount
	}
	entry.balance += amount
	return nil
}

// Transfer 实现 Ledger 接口。整个移动要么全部发生要么完全不发生。
func (m *MemoryLedger) Transfer(_ context.Context, mint, from, to common.Hash, amount uint64, authority common.Hash) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于零")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.accounts[accountKey{mint: mint, account: from}]
	if !ok {
		return ErrUnknownAccount
	}
	dst, ok := m.accounts[accountKey{mint: mint, account: to}]
	if !ok {
		return ErrUnknownAccount
	}
	if src.owner != authority {
		return ErrDenied
	}
	if src.balance < amount {
		return ErrInsufficientFunds
	}
	src.balance -= amount
	dst.balance += amount
	return nil
}

// Balance 实现 Ledger 接口。
func (m *MemoryLedger) Balance(_ context.Context, mint, acct common.Hash) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.accounts[accountKey{mint: mint, account: acct}]
	if !ok {
		return 0, ErrUnknownAccount
	}
	return entry.balance, nil
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error {
	return nil
}

// ensure interface compliance at compile time
var _ Ledger = (*MemoryLedger)(nil)
