package mesh

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "AgentMesh-Chain/internal/errors"
)

// 字段长度上限。超出上限的写入会被拒绝，绝不静默截断。
const (
	MaxLabelLen = 64
	MaxURILen   = 200
)

// ProfileIDLen 是模型档案标识的固定字节数。
const ProfileIDLen = 16

// ProfileID 是调用方自选的模型档案标识，参与地址推导，
// 因此同一所有者可以持有多个档案。
type ProfileID [ProfileIDLen]byte

// ParseProfileID 解析 32 位十六进制字符串形式的档案标识。
func ParseProfileID(raw string) (ProfileID, error) {
	var id ProfileID
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return id, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "档案标识必须是十六进制字符串")
	}
	if len(decoded) != ProfileIDLen {
		return id, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("档案标识必须是 %d 字节", ProfileIDLen))
	}
	copy(id[:], decoded)
	return id, nil
}

// MarshalText 实现 encoding.TextMarshaler。
func (id ProfileID) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(id[:])), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (id *ProfileID) UnmarshalText(text []byte) error {
	parsed, err := ParseProfileID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// String 返回十六进制形式。
func (id ProfileID) String() string {
	return hex.EncodeToString(id[:])
}

// AgentIdentity 描述一个可被控制的链上行为体。
// 地址由所有者钱包唯一推导，所有者创建后不可变更。
type AgentIdentity struct {
	Address      common.Hash `json:"address"`
	OwnerWallet  common.Hash `json:"owner_wallet"`
	AgentWallet  common.Hash `json:"agent_wallet"`
	ModelProfile common.Hash `json:"model_profile"`
	MetadataURI  string      `json:"metadata_uri"`
	Permissions  Permission  `json:"permissions"`
	CreatedAt    int64       `json:"created_at"`
	UpdatedAt    int64       `json:"updated_at"`
	Bump         uint8       `json:"bump"`
}

// ModelProfile 描述一份带定价的服务配置。
// (所有者, 档案标识) 唯一决定其地址。限速字段仅为建议值，核心不强制执行。
type ModelProfile struct {
	Address           common.Hash `json:"address"`
	OwnerWallet       common.Hash `json:"owner_wallet"`
	ProfileID         ProfileID   `json:"profile_id"`
	Label             string      `json:"label"`
	ProviderURI       string      `json:"provider_uri"`
	Pricing           uint64      `json:"pricing"`
	BillingWallet     common.Hash `json:"billing_wallet"`
	MaxTokensPerDay   uint64      `json:"max_tokens_per_day"`
	MaxRequestsPerMin uint64      `json:"max_requests_per_min"`
	CreatedAt         int64       `json:"created_at"`
	UpdatedAt         int64       `json:"updated_at"`
	Bump              uint8       `json:"bump"`
}

// AgentIntent 描述一次付费工作请求及其托管资金。
// 地址由 (from, to, nonce) 唯一推导，重复创建视为重放并被拒绝。
// PaymentAmount 创建后不再变化，只有资金的托管位置会变化。
type AgentIntent struct {
	Address       common.Hash  `json:"address"`
	FromAgent     common.Hash  `json:"from_agent"`
	ToAgent       common.Hash  `json:"to_agent"`
	Nonce         uint64       `json:"nonce"`
	Status        IntentStatus `json:"status"`
	PayloadHash   common.Hash  `json:"payload_hash"`
	PayloadURI    string       `json:"payload_uri"`
	PaymentAmount uint64       `json:"payment_amount"`
	PaymentMint   common.Hash  `json:"payment_mint"`
	ResultHash    common.Hash  `json:"result_hash"`
	ResultURI     string       `json:"result_uri"`
	CreatedAt     int64        `json:"created_at"`
	UpdatedAt     int64        `json:"updated_at"`
	Bump          uint8        `json:"bump"`
}

var (
	// ErrUnauthorized 表示调用者不是记录的所有者。
	ErrUnauthorized = xerrors.New(CodeUnauthorized, "caller is not the record owner")
	// ErrInsufficientPermissions 表示所需能力位缺失。
	ErrInsufficientPermissions = xerrors.New(CodeInsufficientPermissions, "required capability bit absent")
	// ErrInvalidStatusTransition 表示意向已处于终态，不允许再次转移。
	ErrInvalidStatusTransition = xerrors.New(CodeInvalidStatusTransition, "intent status is terminal", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrDuplicateRecord 表示推导地址上已存在记录。
	ErrDuplicateRecord = xerrors.New(CodeDuplicateRecord, "record already exists at derived address", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTransferFailed 表示托管资金移动未能完成。
	ErrTransferFailed = xerrors.New(CodeTransferFailed, "custody transfer could not complete", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrRecordNotFound 表示指定地址上没有记录。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "no record at address")
)

const (
	CodeUnauthorized            xerrors.Code = "UNAUTHORIZED"
	CodeInsufficientPermissions xerrors.Code = "INSUFFICIENT_PERMISSIONS"
	CodeInvalidStatusTransition xerrors.Code = "INVALID_STATUS_TRANSITION"
	CodeDuplicateRecord         xerrors.Code = "DUPLICATE_RECORD"
	CodeTransferFailed          xerrors.Code = "TRANSFER_FAILED"
	CodeRecordNotFound          xerrors.Code = "RECORD_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:   "caller is not the record owner",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientPermissions, xerrors.Attributes{
		Message:   "required capability bit absent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidStatusTransition, xerrors.Attributes{
		Message:   "invalid intent status transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateRecord, xerrors.Attributes{
		Message:   "record already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransferFailed, xerrors.Attributes{
		Message:   "custody transfer failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func validateLabel(label string) error {
	if len(label) > MaxLabelLen {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("标签长度超过上限 %d", MaxLabelLen))
	}
	return nil
}

func validateURI(field, uri string) error {
	if len(uri) > MaxURILen {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 长度超过上限 %d", field, MaxURILen))
	}
	return nil
}

func cloneAgent(agent *AgentIdentity) *AgentIdentity {
	clone := *agent
	return &clone
}

func cloneProfile(profile *ModelProfile) *ModelProfile {
	clone := *profile
	return &clone
}

func cloneIntent(intent *AgentIntent) *AgentIntent {
	clone := *intent
	return &clone
}
