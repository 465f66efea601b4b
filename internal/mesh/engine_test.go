package mesh

import (
	"context"
	stdErrors "errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/event"
	"AgentMesh-Chain/internal/ledger"
)

// intentFixture 搭建一条可以完整走完意向生命周期的测试网格：
// 发起方有出资账户，接收方关联了带结算钱包的模型档案。
type intentFixture struct {
	engine  *Engine
	store   *MemoryStore
	custody *ledger.MemoryLedger
	bus     *event.MemoryBus
	now     int64

	fromOwner common.Hash
	toOwner   common.Hash
	fromAgent common.Hash
	toAgent   common.Hash
	profile   common.Hash
	billing   common.Hash
	mint      common.Hash
	funding   common.Hash
}

func newIntentFixture(t *testing.T, toPerms Permission, linkProfile bool) *intentFixture {
	t.Helper()
	ctx := context.Background()

	f := &intentFixture{
		store:     NewMemoryStore(),
		custody:   ledger.NewMemoryLedger(),
		bus:       event.NewMemoryBus(64),
		now:       1700000000,
		fromOwner: common.HexToHash("0xa1"),
		toOwner:   common.HexToHash("0xa2"),
		billing:   common.HexToHash("0xb1"),
		mint:      common.HexToHash("0xc1"),
		funding:   common.HexToHash("0xd1"),
	}
	f.engine = NewEngine(f.store, f.custody, f.bus, WithClock(func() int64 { return f.now }))

	profileID, err := ParseProfileID("00112233445566778899aabbccddeeff")
	if err != nil {
		t.Fatalf("parse profile id: %v", err)
	}
	profile, err := f.engine.CreateModelProfile(ctx, f.toOwner, CreateModelProfileParams{
		ProfileID:     profileID,
		Label:         "llm-large",
		ProviderURI:   "https://provider.example/v1",
		Pricing:       5,
		BillingWallet: f.billing,
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	f.profile = profile.Address

	fromAgent, err := f.engine.RegisterAgent(ctx, f.fromOwner, RegisterAgentParams{
		AgentWallet: common.HexToHash("0xe1"),
		Permissions: PermissionCreateIntent,
	})
	if err != nil {
		t.Fatalf("register from agent: %v", err)
	}
	f.fromAgent = fromAgent.Address

	toParams := RegisterAgentParams{
		AgentWallet: common.HexToHash("0xe2"),
		Permissions: toPerms,
	}
	if linkProfile {
		toParams.ModelProfile = f.profile
	}
	toAgent, err := f.engine.RegisterAgent(ctx, f.toOwner, toParams)
	if err != nil {
		t.Fatalf("register to agent: %v", err)
	}
	f.toAgent = toAgent.Address

	// 出资账户属于发起方所有者，结算钱包需要先在账本中开户。
	if err := f.custody.CreateAccount(ctx, f.mint, f.funding, WalletAuthority(f.fromOwner)); err != nil {
		t.Fatalf("create funding account: %v", err)
	}
	if err := f.custody.Deposit(ctx, f.mint, f.funding, 1000); err != nil {
		t.Fatalf("fund source account: %v", err)
	}
	if err := f.custody.CreateAccount(ctx, f.mint, f.billing, WalletAuthority(f.toOwner)); err != nil {
		t.Fatalf("create billing account: %v", err)
	}
	return f
}

func (f *intentFixture) createIntent(t *testing.T, amount uint64) *AgentIntent {
	t.Helper()
	intent, err := f.engine.CreateIntent(context.Background(), f.fromOwner, CreateIntentParams{
		FromAgent:     f.fromAgent,
		ToAgent:       f.toAgent,
		Nonce:         1,
		PayloadHash:   common.HexToHash("0xf1"),
		PayloadURI:    "ipfs://payload",
		PaymentAmount: amount,
		PaymentMint:   f.mint,
		FundingSource: f.funding,
	})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	return intent
}

func (f *intentFixture) balance(t *testing.T, acct common.Hash) uint64 {
	t.Helper()
	balance, err := f.custody.Balance(context.Background(), f.mint, acct)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrUnknownAccount) {
			return 0
		}
		t.Fatalf("balance of %s: %v", acct.Hex(), err)
	}
	return balance
}

func TestRegisterAgentRejectsDuplicateOwner(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), ledger.NewMemoryLedger(), event.NewMemoryBus(8))
	ctx := context.Background()
	owner := common.HexToHash("0x01")

	agent, err := engine.RegisterAgent(ctx, owner, RegisterAgentParams{Permissions: PermissionSwap})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	expectedAddr, expectedBump, err := AgentAddress(owner)
	if err != nil {
		t.Fatalf("derive agent address: %v", err)
	}
	if agent.Address != expectedAddr || agent.Bump != expectedBump {
		t.Fatalf("registered at unexpected address: %s", agent.Address.Hex())
	}

	if _, err := engine.RegisterAgent(ctx, owner, RegisterAgentParams{}); !stdErrors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("second registration must report duplicate, got %v", err)
	}
}

func TestRegisterAgentRejectsOversizedURI(t *testing.T) {
	engine := NewEngine(NewMemoryStore(), ledger.NewMemoryLedger(), event.NewMemoryBus(8))

	_, err := engine.RegisterAgent(context.Background(), common.HexToHash("0x02"), RegisterAgentParams{
		MetadataURI: strings.Repeat("x", MaxURILen+1),
	})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("oversized metadata uri must be rejected, got %v", err)
	}
}

func TestUpdateAgentOnlyByOwner(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	stranger := common.HexToHash("0xdead")
	newURI := "ipfs://updated"
	if _, err := f.engine.UpdateAgent(ctx, stranger, f.fromAgent, AgentPatch{MetadataURI: &newURI}); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner update must be unauthorized, got %v", err)
	}
	unchanged, err := f.engine.GetAgent(ctx, f.fromAgent)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if unchanged.MetadataURI != "" {
		t.Fatalf("rejected update leaked into the record: %q", unchanged.MetadataURI)
	}

	f.now++
	perms := PermissionCreateIntent | PermissionVote
	updated, err := f.engine.UpdateAgent(ctx, f.fromOwner, f.fromAgent, AgentPatch{
		MetadataURI: &newURI,
		Permissions: &perms,
	})
	if err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if updated.MetadataURI != newURI || updated.Permissions != perms {
		t.Fatalf("patch not applied: %+v", updated)
	}
	if updated.OwnerWallet != f.fromOwner {
		t.Fatalf("owner must be immutable")
	}
	if updated.UpdatedAt != f.now {
		t.Fatalf("updated_at not refreshed: %d", updated.UpdatedAt)
	}
	// 未出现在补丁里的字段保持原值。
	if updated.AgentWallet != common.HexToHash("0xe1") {
		t.Fatalf("untouched field changed: %s", updated.AgentWallet.Hex())
	}
}

func TestUpdateModelProfileSparsePatch(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	pricing := uint64(9)
	updated, err := f.engine.UpdateModelProfile(ctx, f.toOwner, f.profile, ModelProfilePatch{Pricing: &pricing})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if updated.Pricing != 9 {
		t.Fatalf("pricing not updated: %d", updated.Pricing)
	}
	if updated.Label != "llm-large" || updated.BillingWallet != f.billing {
		t.Fatalf("untouched fields changed: %+v", updated)
	}

	badLabel := strings.Repeat("l", MaxLabelLen+1)
	if _, err := f.engine.UpdateModelProfile(ctx, f.toOwner, f.profile, ModelProfilePatch{Label: &badLabel}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("oversized label must be rejected, got %v", err)
	}

	if _, err := f.engine.UpdateModelProfile(ctx, f.fromOwner, f.profile, ModelProfilePatch{Pricing: &pricing}); !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-owner profile update must be unauthorized, got %v", err)
	}
}

func TestCreateIntentMovesFundsIntoEscrow(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)

	intent := f.createIntent(t, 250)
	if intent.Status != StatusPending {
		t.Fatalf("fresh intent must be pending, got %s", intent.Status)
	}

	escrowAddr, _, err := EscrowAddress(intent.Address)
	if err != nil {
		t.Fatalf("derive escrow address: %v", err)
	}
	if got := f.balance(t, f.funding); got != 750 {
		t.Fatalf("funding balance after escrow: got %d want 750", got)
	}
	if got := f.balance(t, escrowAddr); got != 250 {
		t.Fatalf("escrow balance: got %d want 250", got)
	}

	// 同一 (from, to, nonce) 的重复创建是重放，必须拒绝且不再动资金。
	_, err = f.engine.CreateIntent(context.Background(), f.fromOwner, CreateIntentParams{
		FromAgent:     f.fromAgent,
		ToAgent:       f.toAgent,
		Nonce:         1,
		PaymentAmount: 250,
		PaymentMint:   f.mint,
		FundingSource: f.funding,
	})
	if !stdErrors.Is(err, ErrDuplicateRecord) {
		t.Fatalf("replayed create must report duplicate, got %v", err)
	}
	if got := f.balance(t, f.funding); got != 750 {
		t.Fatalf("replay moved funds: funding balance %d", got)
	}
}

func TestCreateIntentRequiresCreatePermission(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	// 收回发起方的 create_intent 能力位。
	none := Permission(0)
	if _, err := f.engine.UpdateAgent(ctx, f.fromOwner, f.fromAgent, AgentPatch{Permissions: &none}); err != nil {
		t.Fatalf("revoke permissions: %v", err)
	}

	_, err := f.engine.CreateIntent(ctx, f.fromOwner, CreateIntentParams{
		FromAgent:     f.fromAgent,
		ToAgent:       f.toAgent,
		Nonce:         7,
		PaymentAmount: 100,
		PaymentMint:   f.mint,
		FundingSource: f.funding,
	})
	if !stdErrors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
	if got := f.balance(t, f.funding); got != 1000 {
		t.Fatalf("rejected create moved funds: %d", got)
	}
}

func TestCreateIntentUnknownAgents(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)

	_, err := f.engine.CreateIntent(context.Background(), f.fromOwner, CreateIntentParams{
		FromAgent:     common.HexToHash("0xbeef"),
		ToAgent:       f.toAgent,
		Nonce:         1,
		PaymentMint:   f.mint,
		FundingSource: f.funding,
	})
	if xerrors.CodeOf(err) != CodeRecordNotFound {
		t.Fatalf("unknown from-agent must report not found, got %v", err)
	}
}

func TestCreateIntentInsufficientFundsAborts(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)

	_, err := f.engine.CreateIntent(context.Background(), f.fromOwner, CreateIntentParams{
		FromAgent:     f.fromAgent,
		ToAgent:       f.toAgent,
		Nonce:         1,
		PaymentAmount: 5000,
		PaymentMint:   f.mint,
		FundingSource: f.funding,
	})
	if xerrors.CodeOf(err) != CodeTransferFailed {
		t.Fatalf("underfunded create must report transfer failure, got %v", err)
	}

	addr, _, err := IntentAddress(f.fromAgent, f.toAgent, 1)
	if err != nil {
		t.Fatalf("derive intent address: %v", err)
	}
	if _, err := f.engine.GetIntent(context.Background(), addr); !stdErrors.Is(err, ErrRecordNotFound) {
		t.Fatalf("aborted create left a record behind: %v", err)
	}
	if got := f.balance(t, f.funding); got != 1000 {
		t.Fatalf("aborted create moved funds: %d", got)
	}
}

func TestUpdateIntentStatusAuthorization(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	intent := f.createIntent(t, 100)

	// 只有接收方所有者可以推进状态，发起方也不行。
	_, err := f.engine.UpdateIntentStatus(ctx, f.fromOwner, intent.Address, StatusUpdate{NewStatus: StatusAccepted})
	if !stdErrors.Is(err, ErrUnauthorized) {
		t.Fatalf("from-owner must not advance the intent, got %v", err)
	}
	stored, err := f.engine.GetIntent(ctx, intent.Address)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("rejected update changed the status: %s", stored.Status)
	}

	accepted, err := f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusAccepted})
	if err != nil {
		t.Fatalf("accept intent: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("unexpected status: %s", accepted.Status)
	}
}

func TestUpdateIntentStatusRequiresAcceptPermission(t *testing.T) {
	f := newIntentFixture(t, Permission(0), true)

	intent := f.createIntent(t, 100)
	_, err := f.engine.UpdateIntentStatus(context.Background(), f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusAccepted})
	if !stdErrors.Is(err, ErrInsufficientPermissions) {
		t.Fatalf("expected insufficient permissions, got %v", err)
	}
}

func TestCompleteIntentReleasesEscrowExactlyOnce(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	intent := f.createIntent(t, 300)
	escrowAddr, _, err := EscrowAddress(intent.Address)
	if err != nil {
		t.Fatalf("derive escrow address: %v", err)
	}

	resultHash := common.HexToHash("0xaaaa")
	resultURI := "ipfs://result"
	f.now++
	completed, err := f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{
		NewStatus:  StatusCompleted,
		ResultHash: &resultHash,
		ResultURI:  &resultURI,
	})
	if err != nil {
		t.Fatalf("complete intent: %v", err)
	}
	if completed.Status != StatusCompleted || completed.ResultHash != resultHash || completed.ResultURI != resultURI {
		t.Fatalf("completion not recorded: %+v", completed)
	}
	if completed.UpdatedAt != f.now {
		t.Fatalf("updated_at not refreshed on completion")
	}

	if got := f.balance(t, f.billing); got != 300 {
		t.Fatalf("billing balance after release: got %d want 300", got)
	}
	if got := f.balance(t, escrowAddr); got != 0 {
		t.Fatalf("escrow must be empty after release, got %d", got)
	}

	// 终态之后的任何再次转移都被拒绝，资金不可能二次释放。
	_, err = f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusCompleted})
	if !stdErrors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("second completion must be rejected, got %v", err)
	}
	if got := f.balance(t, f.billing); got != 300 {
		t.Fatalf("double release detected: billing balance %d", got)
	}
}

func TestFailedIntentKeepsEscrowAndBlocksFurtherMoves(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	intent := f.createIntent(t, 120)
	escrowAddr, _, err := EscrowAddress(intent.Address)
	if err != nil {
		t.Fatalf("derive escrow address: %v", err)
	}

	failed, err := f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusFailed})
	if err != nil {
		t.Fatalf("fail intent: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("unexpected status: %s", failed.Status)
	}
	// 失败不退款，资金留在托管账户里。
	if got := f.balance(t, escrowAddr); got != 120 {
		t.Fatalf("escrow changed on failure: %d", got)
	}

	_, err = f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusCompleted})
	if !stdErrors.Is(err, ErrInvalidStatusTransition) {
		t.Fatalf("terminal intent accepted another transition: %v", err)
	}
	if got := f.balance(t, f.billing); got != 0 {
		t.Fatalf("funds escaped a failed intent: %d", got)
	}
}

func TestCompleteIntentWithoutLinkedProfileFails(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, false)
	ctx := context.Background()

	intent := f.createIntent(t, 100)
	_, err := f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusCompleted})
	if xerrors.CodeOf(err) != CodeTransferFailed {
		t.Fatalf("completion without billing target must fail the transfer, got %v", err)
	}

	stored, err := f.engine.GetIntent(ctx, intent.Address)
	if err != nil {
		t.Fatalf("get intent: %v", err)
	}
	if stored.Status != StatusPending {
		t.Fatalf("failed release advanced the status: %s", stored.Status)
	}
}

func TestZeroPaymentIntentNeverTouchesLedger(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	intent := f.createIntent(t, 0)
	escrowAddr, _, err := EscrowAddress(intent.Address)
	if err != nil {
		t.Fatalf("derive escrow address: %v", err)
	}
	if _, err := f.custody.Balance(ctx, f.mint, escrowAddr); !stdErrors.Is(err, ledger.ErrUnknownAccount) {
		t.Fatalf("zero-payment intent created an escrow account: %v", err)
	}

	completed, err := f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusCompleted})
	if err != nil {
		t.Fatalf("complete zero-payment intent: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Fatalf("unexpected status: %s", completed.Status)
	}
	if got := f.balance(t, f.billing); got != 0 {
		t.Fatalf("zero-payment completion moved funds: %d", got)
	}
}

func TestUpdateIntentStatusRejectsUnknownStatus(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)

	intent := f.createIntent(t, 50)
	_, err := f.engine.UpdateIntentStatus(context.Background(), f.toOwner, intent.Address, StatusUpdate{NewStatus: IntentStatus(99)})
	if xerrors.CodeOf(err) != CodeInvalidStatusTransition {
		t.Fatalf("unknown status must be rejected, got %v", err)
	}
}

func TestEscrowBalanceReadback(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	intent := f.createIntent(t, 400)
	balance, err := f.engine.EscrowBalance(ctx, intent.Address)
	if err != nil {
		t.Fatalf("escrow balance: %v", err)
	}
	if balance != 400 {
		t.Fatalf("unexpected escrow balance: %d", balance)
	}

	if _, err := f.engine.EscrowBalance(ctx, common.HexToHash("0xffff")); !stdErrors.Is(err, ErrRecordNotFound) {
		t.Fatalf("balance of unknown intent must report not found, got %v", err)
	}
}

func TestIntentLifecycleEventsEmitted(t *testing.T) {
	f := newIntentFixture(t, PermissionAcceptIntent, true)
	ctx := context.Background()

	// 搭建阶段已经发出档案与注册事件，先清空通道。
	drained := 0
	for {
		select {
		case <-f.bus.Events():
			drained++
			continue
		default:
		}
		break
	}
	if drained != 3 {
		t.Fatalf("expected 3 setup events, got %d", drained)
	}

	intent := f.createIntent(t, 10)
	if _, err := f.engine.UpdateIntentStatus(ctx, f.toOwner, intent.Address, StatusUpdate{NewStatus: StatusAccepted}); err != nil {
		t.Fatalf("accept intent: %v", err)
	}

	names := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		select {
		case evt := <-f.bus.Events():
			names = append(names, evt.Name)
		default:
			t.Fatalf("expected 2 lifecycle events, got %d", len(names))
		}
	}
	if names[0] != event.IntentCreated || names[1] != event.IntentStatusUpdated {
		t.Fatalf("unexpected event sequence: %v", names)
	}
}
