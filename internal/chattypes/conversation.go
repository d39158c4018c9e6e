package chattypes

import "time"

// UserProfile 是对端参与者的资料快照。
type UserProfile struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen,omitempty"`
}

// LastMessageSummary 是会话列表排序使用的冗余字段。
// 不变量：必须始终反映最新一条未删除的消息；
// 最新消息被删除时由下一条重算，没有则清空。
type LastMessageSummary struct {
	MessageID string        `json:"messageId"`
	Text      string        `json:"text"`
	SenderID  string        `json:"senderId"`
	SentAt    *time.Time    `json:"sentAt,omitempty"`
	Status    MessageStatus `json:"-"`
}

// Conversation 代表一个两人会话及其冗余摘要。
// 会话在两个参与者间的第一条消息时惰性创建，本设计中永不删除。
type Conversation struct {
	ID             string              `json:"id"`
	ParticipantIDs [2]string           `json:"participantIds"`
	Peer           *UserProfile        `json:"peer,omitempty"`
	LastMessage    *LastMessageSummary `json:"lastMessage,omitempty"`
	Unread         map[string]int      `json:"unread,omitempty"` // participantID → 未读数
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// OtherParticipant 返回 userID 的对端参与者 ID。
func (c *Conversation) OtherParticipant(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

// Cursor 是向后分页的不透明位置：已取到的最旧消息的
// 时间戳加 ID（时间相同的消息用 ID 决出先后）。
type Cursor struct {
	SentAt    time.Time `json:"sentAt"`
	MessageID string    `json:"messageId"`
	HasMore   bool      `json:"hasMore"`
}

// PresenceRecord 是单个用户的输入/在线信号。
// 超过 TTL 的记录无论存储值如何都视为 false，
// 以容忍崩溃或被抛弃的发布方。
type PresenceRecord struct {
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ActiveWithin 报告记录在 now 时刻、给定 TTL 下是否仍然有效。
func (p PresenceRecord) ActiveWithin(ttl time.Duration, now time.Time) bool {
	if !p.Active {
		return false
	}
	return now.Sub(p.UpdatedAt) <= ttl
}
