package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
)

// Ledger 抽象了价值转移子账本。余额按 (代币, 账户) 维护，
// 每个账户绑定一个权限令牌，转出必须出示完全一致的令牌。
// 核心引擎只通过该接口移动资金，自身从不记账。
type Ledger interface {
	// CreateAccount 建立托管账户并绑定权限令牌。对同一所有者重复创建为幂等。
	CreateAccount(ctx context.Context, mint, account, owner common.Hash) error
	// Deposit 向账户注入资金，用于测试与运维铸币入口。
	Deposit(ctx context.Context, mint, account common.Hash, amount uint64) error
	// Transfer 原子地移动 amount。来源余额不足、权限不符或目标缺失时失败。
	Transfer(ctx context.Context, mint, from, to common.Hash, amount uint64, authority common.Hash) error
	// Balance 返回账户当前余额。账户不存在时返回 ErrUnknownAccount。
	Balance(ctx context.Context, mint, account common.Hash) (uint64, error)
	Close() error
}

var (
	// ErrUnknownAccount 表示账户在账本中不存在。
	ErrUnknownAccount = xerrors.New(CodeUnknownAccount, "ledger account does not exist")
	// ErrDuplicateAccount 表示账户已绑定其他权限令牌。
	ErrDuplicateAccount = xerrors.New(CodeDuplicateAccount, "ledger account bound to another authority")
	// ErrDenied 表示出示的权限令牌与账户不符。
	ErrDenied = xerrors.New(CodeDenied, "authority does not match account owner")
	// ErrInsufficientFunds 表示来源账户余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "source balance below transfer amount")
)

const (
	CodeUnknownAccount    xerrors.Code = "LEDGER_UNKNOWN_ACCOUNT"
	CodeDuplicateAccount  xerrors.Code = "LEDGER_DUPLICATE_ACCOUNT"
	CodeDenied            xerrors.Code = "LEDGER_DENIED"
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
)

func init() {
	xerrors.Register(CodeUnknownAccount, xerrors.Attributes{
		Message:   "ledger account does not exist",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateAccount, xerrors.Attributes{
		Message:   "ledger account bound to another authority",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDenied, xerrors.Attributes{
		Message:   "ledger authority mismatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient ledger balance",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
