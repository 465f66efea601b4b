// Package evm drives an on-chain custody contract as the mesh value ledger.
// The contract mirrors the ledger.Ledger surface: bytes32 mints, bytes32
// accounts, authority-gated transfers.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"AgentMesh-Chain/internal/ledger"
)

// custodyABI is the external surface of the custody contract.
const custodyABI = `[
  {"type":"function","name":"createAccount","stateMutability":"nonpayable","inputs":[{"name":"mint","type":"bytes32"},{"name":"account","type":"bytes32"},{"name":"owner","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"deposit","stateMutability":"nonpayable","inputs":[{"name":"mint","type":"bytes32"},{"name":"account","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"mint","type":"bytes32"},{"name":"from","type":"bytes32"},{"name":"to","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"authority","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"mint","type":"bytes32"},{"name":"account","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// Config describes how to construct the custody client.
type Config struct {
	RPCURL      string
	Custody     common.Address
	ChainID     int64
	OperatorKey string
}

// Client implements ledger.Ledger against an EVM custody contract.
type Client struct {
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	contract  *bind.BoundContract
	opts      *bind.TransactOpts
	mu        sync.Mutex
}

// NewClient dials the configured RPC endpoint and binds the custody contract.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置托管链 RPC 地址")
	}
	if cfg.Custody == (common.Address{}) {
		return nil, errors.New("未配置托管合约地址")
	}
	if strings.TrimSpace(cfg.OperatorKey) == "" {
		return nil, errors.New("未配置托管操作密钥")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接托管链节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	parsed, err := abi.JSON(strings.NewReader(custodyABI))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析托管合约 ABI 失败: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.OperatorKey), "0x"))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("解析托管操作密钥失败: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("构造交易签名器失败: %w", err)
	}

	return &Client{
		rpcClient: rpcClient,
		eth:       eth,
		contract:  bind.NewBoundContract(cfg.Custody, parsed, eth, eth, eth),
		opts:      opts,
	}, nil
}

// CreateAccount implements ledger.Ledger.
func (c *Client) CreateAccount(ctx context.Context, mint, account, owner common.Hash) error {
	return c.transact(ctx, "createAccount", mint, account, owner)
}

// Deposit implements ledger.Ledger.
func (c *Client) Deposit(ctx context.Context, mint, account common.Hash, amount uint64) error {
	return c.transact(ctx, "deposit", mint, account, new(big.Int).SetUint64(amount))
}

// Transfer implements ledger.Ledger. The custody contract re-validates the
// authority token on-chain; a reverted transaction surfaces as ErrDenied.
func (c *Client) Transfer(ctx context.Context, mint, from, to common.Hash, amount uint64, authority common.Hash) error {
	return c.transact(ctx, "transfer", mint, from, to, new(big.Int).SetUint64(amount), authority)
}

// Balance implements ledger.Ledger.
func (c *Client) Balance(ctx context.Context, mint, account common.Hash) (uint64, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", mint, account)
	if err != nil {
		return 0, fmt.Errorf("查询托管余额失败: %w", err)
	}
	if len(out) != 1 {
		return 0, errors.New("托管合约返回值格式异常")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return 0, errors.New("托管合约返回值类型异常")
	}
	if !balance.IsUint64() {
		return 0, errors.New("托管余额超出 uint64 范围")
	}
	return balance.Uint64(), nil
}

func (c *Client) transact(ctx context.Context, method string, args ...interface{}) error {
	c.mu.Lock()
	opts := *c.opts
	c.mu.Unlock()
	opts.Context = ctx

	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return fmt.Errorf("提交托管交易失败: %w", err)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return fmt.Errorf("等待托管交易确认失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.ErrDenied
	}
	return nil
}

// Close releases network connections held by the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	return nil
}

var _ ledger.Ledger = (*Client)(nil)
