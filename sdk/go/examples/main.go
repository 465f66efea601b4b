package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"AgentMesh-Chain/internal/api"
	"AgentMesh-Chain/internal/event"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/internal/mesh"
	"AgentMesh-Chain/sdk/go/agentmesh"

	"github.com/ethereum/go-ethereum/common"
)

// 演示一条付费意向的完整生命周期：注册双方智能体、创建带托管的
// 意向、接收方完成工作并触发托管释放。全部运行在进程内的内存后端上。
func main() {
	custody := ledger.NewMemoryLedger()
	engine := mesh.NewEngine(mesh.NewMemoryStore(), custody, event.NewMemoryBus(64))
	server := httptest.NewServer(api.NewServer(":0", engine).Handler())
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	requesterWallet := common.HexToHash("0x01").Hex()
	providerWallet := common.HexToHash("0x02").Hex()
	billingWallet := common.HexToHash("0x03")
	mint := common.HexToHash("0x04")
	funding := common.HexToHash("0x05")

	provider := agentmesh.NewClient(server.URL, server.Client())
	provider.SetCaller(providerWallet)

	profile, err := provider.CreateModelProfile(ctx, agentmesh.CreateProfileRequest{
		ProfileID:     "00112233445566778899aabbccddeeff",
		Label:         "llm-large",
		ProviderURI:   "https://provider.example/v1",
		Pricing:       5,
		BillingWallet: billingWallet.Hex(),
	})
	if err != nil {
		log.Fatalf("创建模型档案失败: %v", err)
	}
	fmt.Printf("模型档案: %s (%s)\n", profile.Address, profile.Label)

	providerAgent, err := provider.RegisterAgent(ctx, agentmesh.RegisterAgentRequest{
		ModelProfile: profile.Address,
		MetadataURI:  "ipfs://provider-agent",
		Permissions:  uint64(mesh.PermissionAcceptIntent),
	})
	if err != nil {
		log.Fatalf("注册服务方智能体失败: %v", err)
	}

	requester := agentmesh.NewClient(server.URL, server.Client())
	requester.SetCaller(requesterWallet)

	requesterAgent, err := requester.RegisterAgent(ctx, agentmesh.RegisterAgentRequest{
		MetadataURI: "ipfs://requester-agent",
		Permissions: uint64(mesh.PermissionCreateIntent),
	})
	if err != nil {
		log.Fatalf("注册发起方智能体失败: %v", err)
	}

	// 为发起方准备出资账户，为结算钱包开户。
	requesterHash := common.HexToHash(requesterWallet)
	if err := custody.CreateAccount(ctx, mint, funding, mesh.WalletAuthority(requesterHash)); err != nil {
		log.Fatalf("创建出资账户失败: %v", err)
	}
	if err := custody.Deposit(ctx, mint, funding, 1000); err != nil {
		log.Fatalf("注入资金失败: %v", err)
	}
	if err := custody.CreateAccount(ctx, mint, billingWallet, mesh.WalletAuthority(common.HexToHash(providerWallet))); err != nil {
		log.Fatalf("创建结算账户失败: %v", err)
	}

	intent, err := requester.CreateIntent(ctx, agentmesh.CreateIntentRequest{
		FromAgent:     requesterAgent.Address,
		ToAgent:       providerAgent.Address,
		Nonce:         1,
		PayloadURI:    "ipfs://job-spec",
		PaymentAmount: 250,
		PaymentMint:   mint.Hex(),
		FundingSource: funding.Hex(),
	})
	if err != nil {
		log.Fatalf("创建意向失败: %v", err)
	}
	fmt.Printf("意向已创建: %s\n", intent.Address)

	escrow, err := requester.GetEscrowBalance(ctx, intent.Address)
	if err != nil {
		log.Fatalf("查询托管余额失败: %v", err)
	}
	fmt.Printf("托管余额: %d\n", escrow.Balance)

	if _, err := provider.UpdateIntentStatus(ctx, agentmesh.UpdateIntentStatusRequest{
		Intent:    intent.Address,
		NewStatus: uint8(mesh.StatusAccepted),
	}); err != nil {
		log.Fatalf("接受意向失败: %v", err)
	}

	resultURI := "ipfs://result"
	completed, err := provider.UpdateIntentStatus(ctx, agentmesh.UpdateIntentStatusRequest{
		Intent:    intent.Address,
		NewStatus: uint8(mesh.StatusCompleted),
		ResultURI: &resultURI,
	})
	if err != nil {
		log.Fatalf("完成意向失败: %v", err)
	}
	fmt.Printf("意向完成: status=%d result=%s\n", completed.Status, completed.ResultURI)

	billingBalance, err := custody.Balance(ctx, mint, billingWallet)
	if err != nil {
		log.Fatalf("查询结算余额失败: %v", err)
	}
	fmt.Printf("结算钱包到账: %d\n", billingBalance)

	stats, err := requester.IntentStats(ctx, agentmesh.ListIntentsQuery{})
	if err != nil {
		log.Fatalf("查询统计失败: %v", err)
	}
	fmt.Printf("意向统计: total=%d completed=%d escrowed=%d\n", stats.Total, stats.Completed, stats.EscrowedAmount)
}
