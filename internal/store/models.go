package store

import (
	"encoding/json"
	"fmt"
	"time"

	"chatsync/internal/chattypes"
)

// messageRow 是消息在数据库中的行表示。
// SentAt 由存储层在插入时赋值（服务端时间戳）。
type messageRow struct {
	ID             string          `gorm:"type:uuid;primarykey"`
	ConversationID string          `gorm:"index:idx_messages_conv_sent,priority:1;not null"`
	SenderID       string          `gorm:"index;not null"`
	ReceiverID     string          `gorm:"index;not null"`
	Text           string          `gorm:"type:text"`
	SentAt         time.Time       `gorm:"index:idx_messages_conv_sent,priority:2,sort:desc;not null"`
	Status         string          `gorm:"type:varchar(20);not null"`
	Edited         bool            `gorm:"not null;default:false"`
	EmojiOnly      bool            `gorm:"not null;default:false"`
	ReplyTo        string          `gorm:"type:uuid"`
	ReactionsRaw   json.RawMessage `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName 指定 messageRow 的表名。
func (messageRow) TableName() string {
	return "messages"
}

// conversationRow 是会话在数据库中的行表示。
// 参与者按字典序归一化（ParticipantA < ParticipantB），
// 保证一对用户只有一行。未读数按参与者各存一列，
// 以便用原子自增表达式维护。
type conversationRow struct {
	ID           string `gorm:"type:uuid;primarykey"`
	ParticipantA string `gorm:"uniqueIndex:idx_conversations_pair,priority:1;not null"`
	ParticipantB string `gorm:"uniqueIndex:idx_conversations_pair,priority:2;not null"`

	LastMessageID       *string    `gorm:"type:uuid"`
	LastMessageText     string     `gorm:"type:text"`
	LastMessageSenderID string
	LastMessageSentAt   *time.Time
	LastMessageStatus   string `gorm:"type:varchar(20)"`

	UnreadA int `gorm:"not null;default:0"`
	UnreadB int `gorm:"not null;default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

// TableName 指定 conversationRow 的表名。
func (conversationRow) TableName() string {
	return "conversations"
}

// orderedPair 归一化参与者顺序。
func orderedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// toMessage 把数据库行转换为引擎的消息表示。
// 状态标签解析失败会向上传播，而不是静默回退。
func toMessage(row *messageRow) (chattypes.Message, error) {
	status, err := chattypes.ParseMessageStatus(row.Status)
	if err != nil {
		return chattypes.Message{}, fmt.Errorf("消息 %s 的状态损坏: %w", row.ID, err)
	}

	var reactions map[string]string
	if len(row.ReactionsRaw) > 0 {
		if err := json.Unmarshal(row.ReactionsRaw, &reactions); err != nil {
			return chattypes.Message{}, fmt.Errorf("消息 %s 的反应数据损坏: %w", row.ID, err)
		}
	}

	sentAt := row.SentAt
	return chattypes.Message{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		ReceiverID:     row.ReceiverID,
		Text:           row.Text,
		SentAt:         &sentAt,
		LocalAt:        sentAt,
		Status:         status,
		Edited:         row.Edited,
		EmojiOnly:      row.EmojiOnly,
		ReplyTo:        row.ReplyTo,
		Reactions:      reactions,
	}, nil
}

// toConversation 把数据库行转换为引擎的会话表示。
func toConversation(row *conversationRow) (*chattypes.Conversation, error) {
	convo := &chattypes.Conversation{
		ID:             row.ID,
		ParticipantIDs: [2]string{row.ParticipantA, row.ParticipantB},
		Unread: map[string]int{
			row.ParticipantA: row.UnreadA,
			row.ParticipantB: row.UnreadB,
		},
		UpdatedAt: row.UpdatedAt,
	}

	if row.LastMessageID != nil {
		status, err := chattypes.ParseMessageStatus(row.LastMessageStatus)
		if err != nil {
			return nil, fmt.Errorf("会话 %s 的摘要状态损坏: %w", row.ID, err)
		}
		convo.LastMessage = &chattypes.LastMessageSummary{
			MessageID: *row.LastMessageID,
			Text:      row.LastMessageText,
			SenderID:  row.LastMessageSenderID,
			SentAt:    row.LastMessageSentAt,
			Status:    status,
		}
	}
	return convo, nil
}
