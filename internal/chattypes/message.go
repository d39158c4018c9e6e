package chattypes

import (
	"time"
	"unicode"
)

// Message 是同步引擎内部流转的消息表示。
// ID 在乐观插入时由客户端生成（uuid），确认后保持不变。
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	ReceiverID     string            `json:"receiverId"`
	Text           string            `json:"text"`
	SentAt         *time.Time        `json:"sentAt,omitempty"` // 服务端时间戳，确认前为 nil
	LocalAt        time.Time         `json:"localAt"`          // 本地临时时间戳，用于确认前排序
	Status         MessageStatus     `json:"-"`
	Edited         bool              `json:"edited,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"` // userID → 单个 emoji
	ReplyTo        string            `json:"replyTo,omitempty"`   // 可为空，也可能指向已删除的消息
	EmojiOnly      bool              `json:"emojiOnly,omitempty"` // 派生字段，构造/编辑时缓存
}

// EffectiveTime 返回用于排序的时间戳：
// 已确认的消息用服务端时间，未确认的用本地临时时间。
func (m *Message) EffectiveTime() time.Time {
	if m.SentAt != nil {
		return *m.SentAt
	}
	return m.LocalAt
}

// Confirmed 报告消息是否已获得服务端时间戳。
func (m *Message) Confirmed() bool {
	return m.SentAt != nil
}

// ReplyPlaceholder 是被回复消息已删除时展示层使用的占位文本。
const ReplyPlaceholder = "消息已删除"

// IsEmojiOnly 报告文本是否只由 emoji（和空白）组成。
// 结果缓存在 Message.EmojiOnly，文本变化时需要重新计算。
func IsEmojiOnly(text string) bool {
	seen := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if !isEmojiRune(r) {
			return false
		}
		seen = true
	}
	return seen
}

// isEmojiRune 覆盖常用 emoji 区段；变体选择符和零宽连接符
// 作为组合成分一并接受。
func isEmojiRune(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // misc symbols, emoticons, supplemental
		return true
	case r >= 0x2600 && r <= 0x27BF: // dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r == 0xFE0F || r == 0x200D: // variation selector, ZWJ
		return true
	case r >= 0x2190 && r <= 0x21FF: // arrows
		return true
	}
	return false
}
