package mesh

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMesh-Chain/internal/errors"
)

// 地址推导使用的命名空间标签。不同种类的记录落在互不重叠的地址空间。
const (
	nsAgent        = "agent"
	nsModelProfile = "model_profile"
	nsIntent       = "intent"
	nsEscrow       = "escrow"
)

// Derive 从命名空间与键材料确定性地推导出记录地址和一个证明字节。
// 证明字节随记录一起存储，之后可重新提交以重建针对该地址的权限。
// 推导从 255 向下扫描，取首个首字节非零的候选地址。
func Derive(namespace string, material ...[]byte) (common.Hash, uint8, error) {
	parts := make([][]byte, 0, len(material)+2)
	parts = append(parts, []byte(namespace))
	parts = append(parts, material...)
	for bump := 255; bump >= 0; bump-- {
		candidate := crypto.Keccak256Hash(append(parts, []byte{uint8(bump)})...)
		if candidate[0] != 0 {
			return candidate, uint8(bump), nil
		}
	}
	return common.Hash{}, 0, xerrors.New(xerrors.CodeInvalidArgument, "无法为给定键材料推导地址")
}

// VerifyDerivation 重新计算推导并核对地址与证明字节。
func VerifyDerivation(addr common.Hash, bump uint8, namespace string, material ...[]byte) bool {
	parts := make([][]byte, 0, len(material)+2)
	parts = append(parts, []byte(namespace))
	parts = append(parts, material...)
	return crypto.Keccak256Hash(append(parts, []byte{bump})...) == addr
}

// AgentAddress 推导智能体记录地址。每个所有者钱包恰好对应一个智能体。
func AgentAddress(owner common.Hash) (common.Hash, uint8, error) {
	return Derive(nsAgent, owner.Bytes())
}

// ModelProfileAddress 推导模型档案记录地址。
func ModelProfileAddress(owner common.Hash, id ProfileID) (common.Hash, uint8, error) {
	return Derive(nsModelProfile, owner.Bytes(), id[:])
}

// IntentAddress 推导意向记录地址。(from, to, nonce) 三元组唯一决定地址，
// 这使得重放同一三元组成为创建冲突而不是静默覆盖。
func IntentAddress(from, to common.Hash, nonce uint64) (common.Hash, uint8, error) {
	var nonceBytes [8]byte
	binary.LittleEndian.PutUint64(nonceBytes[:], nonce)
	return Derive(nsIntent, from.Bytes(), to.Bytes(), nonceBytes[:])
}

// EscrowAddress 推导意向专属的托管账户地址。
func EscrowAddress(intent common.Hash) (common.Hash, uint8, error) {
	return Derive(nsEscrow, intent.Bytes())
}

// IntentAuthority 由意向自身的身份推导托管释放权限。
// 只有能重建完全相同推导的代码才能释放资金，不依赖任何外部签名者。
func IntentAuthority(intent common.Hash, bump uint8) common.Hash {
	return crypto.Keccak256Hash([]byte("intent_authority"), intent.Bytes(), []byte{bump})
}

// WalletAuthority 推导主体移动自有资金时出示的权限令牌。
func WalletAuthority(principal common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("wallet_authority"), principal.Bytes())
}
