package mesh

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
	"AgentMesh-Chain/internal/event"
	"AgentMesh-Chain/internal/ledger"
	"AgentMesh-Chain/pkg/logger"
)

// Engine 是网格记录的唯一写入方，负责六个公开操作以及意向的
// 托管状态机。每个操作要么完整生效并发出通知，要么带着明确的
// 错误码整体拒绝，绝不留下部分写入。
type Engine struct {
	store   Store
	ledger  ledger.Ledger
	emitter event.Emitter
	now     func() int64
	log     *slog.Logger
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithClock 注入时间源，主要用于测试。
func WithClock(now func() int64) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithEngineLogger 指定日志输出。
func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine 构造核心引擎。
func NewEngine(store Store, custody ledger.Ledger, emitter event.Emitter, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		ledger:  custody,
		emitter: emitter,
		now:     func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.log == nil {
		e.log = logger.L()
	}
	return e
}

func (e *Engine) ready() error {
	if e == nil || e.store == nil || e.ledger == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "核心引擎未初始化")
	}
	return nil
}

// emit 尽力投递通知。投递失败只记录日志，不影响已生效的操作。
func (e *Engine) emit(ctx context.Context, name string, fields map[string]any) {
	if e.emitter == nil {
		return
	}
	evt := event.New(name, fields)
	if err := e.emitter.Emit(ctx, evt); err != nil {
		e.log.Warn("事件投递失败", slog.String("event", name), slog.Any("error", err))
	}
}

// RegisterAgentParams 是注册智能体所需的字段。
type RegisterAgentParams struct {
	AgentWallet  common.Hash `json:"agent_wallet"`
	ModelProfile common.Hash `json:"model_profile"`
	MetadataURI  string      `json:"metadata_uri"`
	Permissions  Permission  `json:"permissions"`
}

// RegisterAgent 在所有者钱包推导出的地址上登记新的智能体。
// 同一所有者重复注册返回 ErrDuplicateRecord。
func (e *Engine) RegisterAgent(ctx context.Context, owner common.Hash, params RegisterAgentParams) (*AgentIdentity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validateURI("metadata_uri", params.MetadataURI); err != nil {
		return nil, err
	}

	addr, bump, err := AgentAddress(owner)
	if err != nil {
		return nil, err
	}

	now := e.now()
	agent := &AgentIdentity{
		Address:      addr,
		OwnerWallet:  owner,
		AgentWallet:  params.AgentWallet,
		ModelProfile: params.ModelProfile,
		MetadataURI:  params.MetadataURI,
		Permissions:  params.Permissions,
		CreatedAt:    now,
		UpdatedAt:    now,
		Bump:         bump,
	}
	if err := e.store.CreateAgent(ctx, agent); err != nil {
		return nil, err
	}

	e.emit(ctx, event.AgentRegistered, map[string]any{
		"agent":        addr.Hex(),
		"owner":        owner.Hex(),
		"agent_wallet": params.AgentWallet.Hex(),
	})
	logger.Audit().Info("注册智能体",
		slog.String("agent", addr.Hex()),
		slog.String("owner", owner.Hex()),
		slog.Any("permissions", agent.Permissions.Names()),
	)
	return cloneAgent(agent), nil
}

// AgentPatch 是稀疏更新：为 nil 的字段保持原值。
type AgentPatch struct {
	AgentWallet  *common.Hash `json:"agent_wallet,omitempty"`
	ModelProfile *common.Hash `json:"model_profile,omitempty"`
	MetadataURI  *string      `json:"metadata_uri,omitempty"`
	Permissions  *Permission  `json:"permissions,omitempty"`
}

// UpdateAgent 由所有者更新智能体配置。所有者本身不可变更。
func (e *Engine) UpdateAgent(ctx context.Context, caller, addr common.Hash, patch AgentPatch) (*AgentIdentity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if patch.MetadataURI != nil {
		if err := validateURI("metadata_uri", *patch.MetadataURI); err != nil {
			return nil, err
		}
	}

	agent, err := e.store.GetAgent(ctx, addr)
	if err != nil {
		return nil, err
	}
	if agent.OwnerWallet != caller {
		return nil, ErrUnauthorized
	}

	if patch.AgentWallet != nil {
		agent.AgentWallet = *patch.AgentWallet
	}
	if patch.ModelProfile != nil {
		agent.ModelProfile = *patch.ModelProfile
	}
	if patch.MetadataURI != nil {
		agent.MetadataURI = *patch.MetadataURI
	}
	if patch.Permissions != nil {
		agent.Permissions = *patch.Permissions
	}
	agent.UpdatedAt = e.now()

	if err := e.store.PutAgent(ctx, agent); err != nil {
		return nil, err
	}

	e.emit(ctx, event.AgentUpdated, map[string]any{
		"agent":      agent.Address.Hex(),
		"updated_at": agent.UpdatedAt,
	})
	logger.Audit().Info("更新智能体",
		slog.String("agent", agent.Address.Hex()),
		slog.String("caller", caller.Hex()),
	)
	return cloneAgent(agent), nil
}

// CreateModelProfileParams 是创建模型档案所需的字段。
type CreateModelProfileParams struct {
	ProfileID         ProfileID   `json:"profile_id"`
	Label             string      `json:"label"`
	ProviderURI       string      `json:"provider_uri"`
	Pricing           uint64      `json:"pricing"`
	BillingWallet     common.Hash `json:"billing_wallet"`
	MaxTokensPerDay   uint64      `json:"max_tokens_per_day"`
	MaxRequestsPerMin uint64      `json:"max_requests_per_min"`
}

// CreateModelProfile 在 (所有者, 档案标识) 推导出的地址上登记模型档案。
func (e *Engine) CreateModelProfile(ctx context.Context, owner common.Hash, params CreateModelProfileParams) (*ModelProfile, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validateLabel(params.Label); err != nil {
		return nil, err
	}
	if err := validateURI("provider_uri", params.ProviderURI); err != nil {
		return nil, err
	}

	addr, bump, err := ModelProfileAddress(owner, params.ProfileID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	profile := &ModelProfile{
		Address:           addr,
		OwnerWallet:       owner,
		ProfileID:         params.ProfileID,
		Label:             params.Label,
		ProviderURI:       params.ProviderURI,
		Pricing:           params.Pricing,
		BillingWallet:     params.BillingWallet,
		MaxTokensPerDay:   params.MaxTokensPerDay,
		MaxRequestsPerMin: params.MaxRequestsPerMin,
		CreatedAt:         now,
		UpdatedAt:         now,
		Bump:              bump,
	}
	if err := e.store.CreateProfile(ctx, profile); err != nil {
		return nil, err
	}

	e.emit(ctx, event.ModelProfileCreated, map[string]any{
		"profile": addr.Hex(),
		"owner":   owner.Hex(),
		"label":   params.Label,
	})
	logger.Audit().Info("创建模型档案",
		slog.String("profile", addr.Hex()),
		slog.String("owner", owner.Hex()),
		slog.String("label", params.Label),
	)
	return cloneProfile(profile), nil
}

// ModelProfilePatch 是稀疏更新：为 nil 的字段保持原值。
type ModelProfilePatch struct {
	Label             *string      `json:"label,omitempty"`
	ProviderURI       *string      `json:"provider_uri,omitempty"`
	Pricing           *uint64      `json:"pricing,omitempty"`
	BillingWallet     *common.Hash `json:"billing_wallet,omitempty"`
	MaxTokensPerDay   *uint64      `json:"max_tokens_per_day,omitempty"`
	MaxRequestsPerMin *uint64      `json:"max_requests_per_min,omitempty"`
}

// UpdateModelProfile 由所有者更新模型档案。
func (e *Engine) UpdateModelProfile(ctx context.Context, caller, addr common.Hash, patch ModelProfilePatch) (*ModelProfile, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if patch.Label != nil {
		if err := validateLabel(*patch.Label); err != nil {
			return nil, err
		}
	}
	if patch.ProviderURI != nil {
		if err := validateURI("provider_uri", *patch.ProviderURI); err != nil {
			return nil, err
		}
	}

	profile, err := e.store.GetProfile(ctx, addr)
	if err != nil {
		return nil, err
	}
	if profile.OwnerWallet != caller {
		return nil, ErrUnauthorized
	}

	if patch.Label != nil {
		profile.Label = *patch.Label
	}
	if patch.ProviderURI != nil {
		profile.ProviderURI = *patch.ProviderURI
	}
	if patch.Pricing != nil {
		profile.Pricing = *patch.Pricing
	}
	if patch.BillingWallet != nil {
		profile.BillingWallet = *patch.BillingWallet
	}
	if patch.MaxTokensPerDay != nil {
		profile.MaxTokensPerDay = *patch.MaxTokensPerDay
	}
	if patch.MaxRequestsPerMin != nil {
		profile.MaxRequestsPerMin = *patch.MaxRequestsPerMin
	}
	profile.UpdatedAt = e.now()

	if err := e.store.PutProfile(ctx, profile); err != nil {
		return nil, err
	}

	e.emit(ctx, event.ModelProfileUpdated, map[string]any{
		"profile":    profile.Address.Hex(),
		"updated_at": profile.UpdatedAt,
	})
	logger.Audit().Info("更新模型档案",
		slog.String("profile", profile.Address.Hex()),
		slog.String("caller", caller.Hex()),
	)
	return cloneProfile(profile), nil
}

// CreateIntentParams 是创建意向所需的字段。
// FundingSource 是付款方在价值账本中的出资账户。
type CreateIntentParams struct {
	FromAgent     common.Hash `json:"from_agent"`
	ToAgent       common.Hash `json:"to_agent"`
	Nonce         uint64      `json:"nonce"`
	PayloadHash   common.Hash `json:"payload_hash"`
	PayloadURI    string      `json:"payload_uri"`
	PaymentAmount uint64      `json:"payment_amount"`
	PaymentMint   common.Hash `json:"payment_mint"`
	FundingSource common.Hash `json:"funding_source"`
}

// CreateIntent 创建一条从 from 到 to 的付费意向。付款金额大于零时，
// 资金在创建时即进入该意向专属的托管账户；注资失败则整个创建中止，
// 不会留下任何意向记录。
func (e *Engine) CreateIntent(ctx context.Context, caller common.Hash, params CreateIntentParams) (*AgentIntent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := validateURI("payload_uri", params.PayloadURI); err != nil {
		return nil, err
	}

	fromAgent, err := e.store.GetAgent(ctx, params.FromAgent)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			return nil, xerrors.Wrap(CodeRecordNotFound, err, "发起方智能体不存在")
		}
		return nil, err
	}
	if _, err := e.store.GetAgent(ctx, params.ToAgent); err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			return nil, xerrors.Wrap(CodeRecordNotFound, err, "接收方智能体不存在")
		}
		return nil, err
	}

	if !fromAgent.Permissions.Has(PermissionCreateIntent) {
		return nil, ErrInsufficientPermissions
	}

	addr, bump, err := IntentAddress(params.FromAgent, params.ToAgent, params.Nonce)
	if err != nil {
		return nil, err
	}

	// 先于注资做一次冲突预检，避免为注定失败的创建移动资金。
	// 真正的去重语义仍由存储层的创建约束兜底。
	if _, err := e.store.GetIntent(ctx, addr); err == nil {
		return nil, ErrDuplicateRecord
	} else if !stdErrors.Is(err, ErrRecordNotFound) {
		return nil, err
	}

	var escrowAddr common.Hash
	authority := IntentAuthority(addr, bump)
	if params.PaymentAmount > 0 {
		escrowAddr, _, err = EscrowAddress(addr)
		if err != nil {
			return nil, err
		}
		if err := e.ledger.CreateAccount(ctx, params.PaymentMint, escrowAddr, authority); err != nil {
			return nil, xerrors.Wrap(CodeTransferFailed, err, "创建托管账户失败")
		}
		if err := e.ledger.Transfer(ctx, params.PaymentMint, params.FundingSource, escrowAddr, params.PaymentAmount, WalletAuthority(caller)); err != nil {
			return nil, xerrors.Wrap(CodeTransferFailed, err, "托管注资失败")
		}
	}

	now := e.now()
	intent := &AgentIntent{
		Address:       addr,
		FromAgent:     params.FromAgent,
		ToAgent:       params.ToAgent,
		Nonce:         params.Nonce,
		Status:        StatusPending,
		PayloadHash:   params.PayloadHash,
		PayloadURI:    params.PayloadURI,
		PaymentAmount: params.PaymentAmount,
		PaymentMint:   params.PaymentMint,
		ResultHash:    common.Hash{},
		ResultURI:     "",
		CreatedAt:     now,
		UpdatedAt:     now,
		Bump:          bump,
	}
	if err := e.store.CreateIntent(ctx, intent); err != nil {
		if stdErrors.Is(err, ErrDuplicateRecord) && params.PaymentAmount > 0 {
			// 并发创建输掉了存储层竞争，退回已注入的资金。
			if refundErr := e.ledger.Transfer(ctx, params.PaymentMint, escrowAddr, params.FundingSource, params.PaymentAmount, authority); refundErr != nil {
				e.log.Error("托管资金退回失败",
					slog.String("intent", addr.Hex()),
					slog.Any("error", refundErr),
				)
			}
		}
		return nil, err
	}

	e.emit(ctx, event.IntentCreated, map[string]any{
		"intent":         addr.Hex(),
		"from_agent":     params.FromAgent.Hex(),
		"to_agent":       params.ToAgent.Hex(),
		"payment_amount": params.PaymentAmount,
	})
	logger.Audit().Info("创建意向",
		slog.String("intent", addr.Hex()),
		slog.String("from", params.FromAgent.Hex()),
		slog.String("to", params.ToAgent.Hex()),
		slog.Uint64("payment_amount", params.PaymentAmount),
	)
	return cloneIntent(intent), nil
}

// StatusUpdate 描述一次状态转移请求。结果字段为 nil 时保持原值。
type StatusUpdate struct {
	NewStatus  IntentStatus `json:"new_status"`
	ResultHash *common.Hash `json:"result_hash,omitempty"`
	ResultURI  *string      `json:"result_uri,omitempty"`
}

// UpdateIntentStatus 由接收方所有者推进意向状态。首次转入 Completed
// 且付款金额大于零时，托管资金以意向自身推导的权限一次性释放到
// 接收方档案的结算钱包；释放失败则状态不前进。已处于终态的意向
// 拒绝任何再次转移，从根上排除重复释放。
func (e *Engine) UpdateIntentStatus(ctx context.Context, caller, intentAddr common.Hash, update StatusUpdate) (*AgentIntent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if !IsValidIntentStatus(update.NewStatus) {
		return nil, xerrors.New(CodeInvalidStatusTransition, "未知的目标状态")
	}
	if update.ResultURI != nil {
		if err := validateURI("result_uri", *update.ResultURI); err != nil {
			return nil, err
		}
	}

	intent, err := e.store.GetIntent(ctx, intentAddr)
	if err != nil {
		return nil, err
	}
	toAgent, err := e.store.GetAgent(ctx, intent.ToAgent)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			return nil, xerrors.Wrap(CodeRecordNotFound, err, "接收方智能体不存在")
		}
		return nil, err
	}

	if toAgent.OwnerWallet != caller {
		return nil, ErrUnauthorized
	}
	if !toAgent.Permissions.Has(PermissionAcceptIntent) {
		return nil, ErrInsufficientPermissions
	}
	if intent.Status.IsTerminal() {
		return nil, ErrInvalidStatusTransition
	}

	if update.NewStatus == StatusCompleted && intent.PaymentAmount > 0 {
		if err := e.releaseEscrow(ctx, intent, toAgent); err != nil {
			return nil, err
		}
	}

	intent.Status = update.NewStatus
	if update.ResultHash != nil {
		intent.ResultHash = *update.ResultHash
	}
	if update.ResultURI != nil {
		intent.ResultURI = *update.ResultURI
	}
	intent.UpdatedAt = e.now()

	if err := e.store.PutIntent(ctx, intent); err != nil {
		// 资金已经释放而状态落盘失败，必须留下高优先级痕迹供人工对账。
		e.log.Error("意向状态落盘失败",
			slog.String("intent", intent.Address.Hex()),
			slog.String("status", update.NewStatus.String()),
			slog.Any("error", err),
		)
		return nil, err
	}

	e.emit(ctx, event.IntentStatusUpdated, map[string]any{
		"intent": intent.Address.Hex(),
		"status": uint8(intent.Status),
	})
	logger.Audit().Info("更新意向状态",
		slog.String("intent", intent.Address.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("status", intent.Status.String()),
	)
	return cloneIntent(intent), nil
}

// releaseEscrow 将托管资金释放到接收方档案的结算钱包。
// 释放权限完全由意向身份重建，不依赖任何外部签名者。
func (e *Engine) releaseEscrow(ctx context.Context, intent *AgentIntent, toAgent *AgentIdentity) error {
	if toAgent.ModelProfile == (common.Hash{}) {
		return xerrors.New(CodeTransferFailed, "接收方未关联模型档案，结算目标缺失")
	}
	profile, err := e.store.GetProfile(ctx, toAgent.ModelProfile)
	if err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "结算档案不可用")
	}

	escrowAddr, _, err := EscrowAddress(intent.Address)
	if err != nil {
		return err
	}
	if !VerifyDerivation(intent.Address, intent.Bump, nsIntent, derivationMaterial(intent)...) {
		return xerrors.New(CodeTransferFailed, "意向推导证明校验失败")
	}
	authority := IntentAuthority(intent.Address, intent.Bump)

	if err := e.ledger.Transfer(ctx, intent.PaymentMint, escrowAddr, profile.BillingWallet, intent.PaymentAmount, authority); err != nil {
		return xerrors.Wrap(CodeTransferFailed, err, "托管释放失败")
	}
	return nil
}

func derivationMaterial(intent *AgentIntent) [][]byte {
	nonceBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		nonceBytes[i] = byte(intent.Nonce >> (8 * i))
	}
	return [][]byte{intent.FromAgent.Bytes(), intent.ToAgent.Bytes(), nonceBytes}
}

// GetAgent 返回指定地址的智能体记录。
func (e *Engine) GetAgent(ctx context.Context, addr common.Hash) (*AgentIdentity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.GetAgent(ctx, addr)
}

// AgentByOwner 返回所有者钱包对应的智能体记录。
func (e *Engine) AgentByOwner(ctx context.Context, owner common.Hash) (*AgentIdentity, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	addr, _, err := AgentAddress(owner)
	if err != nil {
		return nil, err
	}
	return e.store.GetAgent(ctx, addr)
}

// GetModelProfile 返回指定地址的模型档案。
func (e *Engine) GetModelProfile(ctx context.Context, addr common.Hash) (*ModelProfile, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.GetProfile(ctx, addr)
}

// GetIntent 返回指定地址的意向记录。
func (e *Engine) GetIntent(ctx context.Context, addr common.Hash) (*AgentIntent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.GetIntent(ctx, addr)
}

// ListIntents 返回符合过滤条件的意向列表。
func (e *Engine) ListIntents(ctx context.Context, opts ...ListOption) ([]*AgentIntent, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.store.ListIntents(ctx, buildListOptions(opts))
}

// IntentStats 返回符合过滤条件的意向统计信息。
func (e *Engine) IntentStats(ctx context.Context, opts ...ListOption) (IntentStats, error) {
	if err := e.ready(); err != nil {
		return IntentStats{}, err
	}
	return e.store.IntentStats(ctx, buildListOptions(opts))
}

// EscrowBalance 返回意向托管账户的当前余额，用于对账与观测。
func (e *Engine) EscrowBalance(ctx context.Context, intentAddr common.Hash) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	intent, err := e.store.GetIntent(ctx, intentAddr)
	if err != nil {
		return 0, err
	}
	escrowAddr, _, err := EscrowAddress(intent.Address)
	if err != nil {
		return 0, err
	}
	balance, err := e.ledger.Balance(ctx, intent.PaymentMint, escrowAddr)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrUnknownAccount) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// Close 释放资源。
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var firstErr error
	if e.store != nil {
		firstErr = e.store.Close()
	}
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.emitter != nil {
		if err := e.emitter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
