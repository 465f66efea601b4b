package mesh

// Permission 是智能体的能力位掩码。每个位授予一种特权操作，
// 只允许通过新增位扩展，已有位不得重新编号。
type Permission uint64

const (
	PermissionSwap Permission = 1 << iota
	PermissionTransfer
	PermissionVote
	PermissionCreateIntent
	PermissionAcceptIntent
)

// Has 判断掩码中是否包含指定能力位。
func Has(mask, capability Permission) bool {
	return mask&capability != 0
}

// Has 是 mesh.Has 的方法形式，便于在记录上直接调用。
func (p Permission) Has(capability Permission) bool {
	return Has(p, capability)
}

var permissionNames = map[Permission]string{
	PermissionSwap:         "swap",
	PermissionTransfer:     "transfer",
	PermissionVote:         "vote",
	PermissionCreateIntent: "create_intent",
	PermissionAcceptIntent: "accept_intent",
}

// Names 返回掩码中各能力位的可读名称，用于审计日志。
func (p Permission) Names() []string {
	names := make([]string, 0, len(permissionNames))
	for bit := Permission(1); bit != 0; bit <<= 1 {
		if p&bit == 0 {
			continue
		}
		if name, ok := permissionNames[bit]; ok {
			names = append(names, name)
		}
	}
	return names
}
