package mesh

import "fmt"

// IntentStatus 表示意向在生命周期中的状态。数值与链上布局保持一致。
type IntentStatus uint8

const (
	StatusPending   IntentStatus = 0
	StatusAccepted  IntentStatus = 1
	StatusCompleted IntentStatus = 2
	StatusFailed    IntentStatus = 3
)

// IsValidIntentStatus 检查给定的状态是否为支持的枚举值。
func IsValidIntentStatus(status IntentStatus) bool {
	switch status {
	case StatusPending, StatusAccepted, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。进入终态后不再允许任何资金移动。
func (s IntentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// String 实现 fmt.Stringer。
func (s IntentStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAccepted:
		return "accepted"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
