package ledger

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryLedgerCreateAccount(t *testing.T) {
	custody := NewMemoryLedger()
	ctx := context.Background()

	mint := common.HexToHash("0x01")
	acct := common.HexToHash("0x02")
	owner := common.HexToHash("0x03")

	if err := custody.CreateAccount(ctx, mint, acct, owner); err != nil {
		t.Fatalf("create account: %v", err)
	}
	// 同一所有者重复开户是幂等操作。
	if err := custody.CreateAccount(ctx, mint, acct, owner); err != nil {
		t.Fatalf("idempotent create failed: %v", err)
	}
	if err := custody.CreateAccount(ctx, mint, acct, common.HexToHash("0x04")); !stdErrors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("create with different owner must be rejected, got %v", err)
	}

	// 同一地址在另一种铸币下是独立账户。
	if err := custody.CreateAccount(ctx, common.HexToHash("0x05"), acct, owner); err != nil {
		t.Fatalf("create under other mint: %v", err)
	}
}

func TestMemoryLedgerTransfer(t *testing.T) {
	custody := NewMemoryLedger()
	ctx := context.Background()

	mint := common.HexToHash("0x01")
	src := common.HexToHash("0x11")
	dst := common.HexToHash("0x12")
	authority := common.HexToHash("0x13")

	if err := custody.CreateAccount(ctx, mint, src, authority); err != nil {
		t.Fatalf("create source: %v", err)
	}
	if err := custody.Deposit(ctx, mint, src, 500); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 目标账户必须先存在。
	if err := custody.Transfer(ctx, mint, src, dst, 100, authority); !stdErrors.Is(err, ErrUnknownAccount) {
		t.Fatalf("transfer to missing destination must fail, got %v", err)
	}
	if err := custody.CreateAccount(ctx, mint, dst, common.HexToHash("0x14")); err != nil {
		t.Fatalf("create destination: %v", err)
	}

	if err := custody.Transfer(ctx, mint, src, dst, 100, common.HexToHash("0xbad")); !stdErrors.Is(err, ErrDenied) {
		t.Fatalf("wrong authority must be denied, got %v", err)
	}
	if err := custody.Transfer(ctx, mint, src, dst, 9999, authority); !stdErrors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft must be rejected, got %v", err)
	}
	if err := custody.Transfer(ctx, mint, src, dst, 0, authority); err == nil {
		t.Fatalf("zero amount must be rejected")
	}

	if err := custody.Transfer(ctx, mint, src, dst, 100, authority); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	srcBalance, err := custody.Balance(ctx, mint, src)
	if err != nil {
		t.Fatalf("source balance: %v", err)
	}
	dstBalance, err := custody.Balance(ctx, mint, dst)
	if err != nil {
		t.Fatalf("destination balance: %v", err)
	}
	if srcBalance != 400 || dstBalance != 100 {
		t.Fatalf("unexpected balances after transfer: src=%d dst=%d", srcBalance, dstBalance)
	}
}

func TestMemoryLedgerUnknownAccount(t *testing.T) {
	custody := NewMemoryLedger()
	ctx := context.Background()

	mint := common.HexToHash("0x01")
	if err := custody.Deposit(ctx, mint, common.HexToHash("0x21"), 10); !stdErrors.Is(err, ErrUnknownAccount) {
		t.Fatalf("deposit to missing account must fail, got %v", err)
	}
	if _, err := custody.Balance(ctx, mint, common.HexToHash("0x21")); !stdErrors.Is(err, ErrUnknownAccount) {
		t.Fatalf("balance of missing account must fail, got %v", err)
	}
}
