package chattypes

import "fmt"

// MessageStatus 是消息投递状态的封闭枚举。
// 状态机只允许单向推进：Sent → Delivered → Read。
type MessageStatus int

const (
	StatusSent MessageStatus = iota
	StatusDelivered
	StatusRead
)

const (
	statusSentTag      = "sent"
	statusDeliveredTag = "delivered"
	statusReadTag      = "read"
)

// String 返回状态的存储标签。
func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return statusSentTag
	case StatusDelivered:
		return statusDeliveredTag
	case StatusRead:
		return statusReadTag
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseMessageStatus 将存储标签解析为 MessageStatus。
// 无法识别的标签返回错误，而不是静默回退到 sent——
// 静默回退会掩盖损坏的数据。
func ParseMessageStatus(tag string) (MessageStatus, error) {
	switch tag {
	case statusSentTag:
		return StatusSent, nil
	case statusDeliveredTag:
		return StatusDelivered, nil
	case statusReadTag:
		return StatusRead, nil
	}
	return StatusSent, fmt.Errorf("无法识别的消息状态标签: %q", tag)
}

// CanAdvanceTo 报告从 s 推进到 next 是否合法。
// 相同状态返回 false（重复应用由调用方作为 no-op 处理），
// 回退（例如 Read → Delivered）永远不合法。
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	return next > s
}
