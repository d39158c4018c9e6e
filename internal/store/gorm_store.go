package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatsync/internal/chattypes"
	appkafka "chatsync/internal/kafka"
)

// gormRemoteStore 使用 GORM 实现 RemoteStore。
// 每次成功写入后向提示主题发布会话 ID，驱动订阅端的快照推送。
type gormRemoteStore struct {
	db    *gorm.DB
	hints appkafka.HintProducer // 可为 nil（例如迁移工具），此时跳过提示发布
}

// NewGormRemoteStore 创建一个新的基于 GORM 的 RemoteStore。
func NewGormRemoteStore(db *gorm.DB, hints appkafka.HintProducer) RemoteStore {
	return &gormRemoteStore{db: db, hints: hints}
}

// publishHint 尽力发布变更提示。提示丢失只会延迟订阅端的快照，
// 不影响已持久化的数据，所以失败只记录不传播。
func (s *gormRemoteStore) publishHint(ctx context.Context, conversationID string) {
	if s.hints == nil {
		return
	}
	if err := s.hints.PublishHint(ctx, conversationID); err != nil {
		log.Printf("发布会话 %s 的变更提示失败: %v", conversationID, err)
	}
}

// EnsureConversation 查找或惰性创建两个用户之间的会话。
func (s *gormRemoteStore) EnsureConversation(ctx context.Context, userID1, userID2 string) (*chattypes.Conversation, error) {
	a, b := orderedPair(userID1, userID2)

	var row conversationRow
	err := s.db.WithContext(ctx).
		Where("participant_a = ? AND participant_b = ?", a, b).
		First(&row).Error
	if err == nil {
		return toConversation(&row)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("查找会话失败: %w", err)
	}

	row = conversationRow{
		ID:           uuid.NewString(),
		ParticipantA: a,
		ParticipantB: b,
	}
	if createErr := s.db.WithContext(ctx).Create(&row).Error; createErr != nil {
		// 两端同时发首条消息时唯一索引会拒绝其中一个，重查即可
		var existing conversationRow
		if retryErr := s.db.WithContext(ctx).
			Where("participant_a = ? AND participant_b = ?", a, b).
			First(&existing).Error; retryErr == nil {
			return toConversation(&existing)
		}
		return nil, fmt.Errorf("创建会话失败: %w", createErr)
	}
	return toConversation(&row)
}

// GetConversation 通过 ID 检索会话。
func (s *gormRemoteStore) GetConversation(ctx context.Context, conversationID string) (*chattypes.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("获取会话 %s 失败: %w", conversationID, err)
	}
	return toConversation(&row)
}

// ListConversations 按最近活动排序返回用户参与的会话。
func (s *gormRemoteStore) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*chattypes.Conversation, error) {
	var rows []conversationRow
	query := s.db.WithContext(ctx).
		Where("participant_a = ? OR participant_b = ?", userID, userID).
		Order("updated_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("获取用户 %s 的会话列表失败: %w", userID, err)
	}

	conversations := make([]*chattypes.Conversation, 0, len(rows))
	for i := range rows {
		convo, err := toConversation(&rows[i])
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, convo)
	}
	return conversations, nil
}

// QueryMessagesBefore 按时间从新到旧返回一页消息，支持 start-after 游标。
// 时间戳相同的消息用 ID 决出确定的先后，保证游标续读不重不漏。
func (s *gormRemoteStore) QueryMessagesBefore(ctx context.Context, conversationID string, startAfter *chattypes.Cursor, limit int) ([]chattypes.Message, error) {
	query := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at DESC, id DESC")
	if startAfter != nil {
		query = query.Where(
			"sent_at < ? OR (sent_at = ? AND id < ?)",
			startAfter.SentAt, startAfter.SentAt, startAfter.MessageID,
		)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询会话 %s 的消息失败: %w", conversationID, err)
	}

	messages := make([]chattypes.Message, 0, len(rows))
	for i := range rows {
		msg, err := toMessage(&rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// CreateMessage 在单个事务内完成消息插入、会话摘要更新和未读自增。
// 服务端时间戳写回 msg.SentAt。
func (s *gormRemoteStore) CreateMessage(ctx context.Context, msg *chattypes.Message) error {
	now := time.Now().UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := messageRow{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			ReceiverID:     msg.ReceiverID,
			Text:           msg.Text,
			SentAt:         now,
			Status:         msg.Status.String(),
			EmojiOnly:      msg.EmojiOnly,
			ReplyTo:        msg.ReplyTo,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("插入消息失败: %w", err)
		}

		var convo conversationRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&convo, "id = ?", msg.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("锁定会话失败: %w", err)
		}

		updates := map[string]interface{}{
			"last_message_id":        msg.ID,
			"last_message_text":      msg.Text,
			"last_message_sender_id": msg.SenderID,
			"last_message_sent_at":   now,
			"last_message_status":    msg.Status.String(),
			"updated_at":             now,
		}
		// 接收方未读数原子自增
		if msg.ReceiverID == convo.ParticipantA {
			updates["unread_a"] = gorm.Expr("unread_a + 1")
		} else {
			updates["unread_b"] = gorm.Expr("unread_b + 1")
		}
		if err := tx.Model(&conversationRow{}).
			Where("id = ?", msg.ConversationID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("更新会话摘要失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	msg.SentAt = &now
	s.publishHint(ctx, msg.ConversationID)
	return nil
}

// UpdateMessageText 更新消息文本；仅当该消息是会话记录的
// 最新消息时同步更新冗余摘要文本。
func (s *gormRemoteStore) UpdateMessageText(ctx context.Context, conversationID, messageID, text string, emojiOnly bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&messageRow{}).
			Where("id = ? AND conversation_id = ?", messageID, conversationID).
			Updates(map[string]interface{}{
				"text":       text,
				"edited":     true,
				"emoji_only": emojiOnly,
			})
		if result.Error != nil {
			return fmt.Errorf("更新消息文本失败: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrMessageNotFound
		}

		var convo conversationRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&convo, "id = ?", conversationID).Error; err != nil {
			return fmt.Errorf("锁定会话失败: %w", err)
		}
		// 被编辑的是最新消息才传播到摘要（按 ID 比较，不是无条件更新）
		if convo.LastMessageID != nil && *convo.LastMessageID == messageID {
			if err := tx.Model(&conversationRow{}).
				Where("id = ?", conversationID).
				Update("last_message_text", text).Error; err != nil {
				return fmt.Errorf("更新会话摘要文本失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishHint(ctx, conversationID)
	return nil
}

// DeleteMessage 删除消息；被删除的是会话记录的最新消息时，
// 在同一事务内由下一条幸存消息重算摘要，没有则清空。
func (s *gormRemoteStore) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).
			Delete(&messageRow{})
		if result.Error != nil {
			return fmt.Errorf("删除消息失败: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrMessageNotFound
		}

		var convo conversationRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&convo, "id = ?", conversationID).Error; err != nil {
			return fmt.Errorf("锁定会话失败: %w", err)
		}
		if convo.LastMessageID == nil || *convo.LastMessageID != messageID {
			return nil
		}

		// 重算摘要
		var latest messageRow
		err := tx.Where("conversation_id = ?", conversationID).
			Order("sent_at DESC, id DESC").
			First(&latest).Error
		updates := map[string]interface{}{}
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			updates["last_message_id"] = nil
			updates["last_message_text"] = ""
			updates["last_message_sender_id"] = ""
			updates["last_message_sent_at"] = nil
			updates["last_message_status"] = ""
		case err != nil:
			return fmt.Errorf("查询幸存的最新消息失败: %w", err)
		default:
			updates["last_message_id"] = latest.ID
			updates["last_message_text"] = latest.Text
			updates["last_message_sender_id"] = latest.SenderID
			updates["last_message_sent_at"] = latest.SentAt
			updates["last_message_status"] = latest.Status
		}
		if err := tx.Model(&conversationRow{}).
			Where("id = ?", conversationID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("重算会话摘要失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishHint(ctx, conversationID)
	return nil
}

// AdvanceStatus 批量推进消息状态。WHERE 子句只匹配低于 target 的
// 状态，重复调用天然是 no-op；回退永远不会发生。
func (s *gormRemoteStore) AdvanceStatus(ctx context.Context, conversationID, receiverID string, messageIDs []string, target chattypes.MessageStatus) error {
	var below []string
	switch target {
	case chattypes.StatusDelivered:
		below = []string{chattypes.StatusSent.String()}
	case chattypes.StatusRead:
		below = []string{chattypes.StatusSent.String(), chattypes.StatusDelivered.String()}
	default:
		return fmt.Errorf("不允许推进到状态 %s", target)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&messageRow{}).
			Where("conversation_id = ? AND receiver_id = ? AND status IN ?", conversationID, receiverID, below)
		if messageIDs != nil {
			query = query.Where("id IN ?", messageIDs)
		}
		if err := query.Update("status", target.String()).Error; err != nil {
			return fmt.Errorf("批量推进消息状态失败: %w", err)
		}

		var convo conversationRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&convo, "id = ?", conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("锁定会话失败: %w", err)
		}

		updates := map[string]interface{}{}
		// 摘要状态跟随最新消息的真实状态
		if convo.LastMessageID != nil {
			var latest messageRow
			if err := tx.First(&latest, "id = ?", *convo.LastMessageID).Error; err == nil {
				updates["last_message_status"] = latest.Status
			}
		}
		// 推进到 Read 时在同一事务内重置未读数，避免状态与计数不一致
		if target == chattypes.StatusRead {
			if receiverID == convo.ParticipantA {
				updates["unread_a"] = 0
			} else {
				updates["unread_b"] = 0
			}
		}
		if len(updates) > 0 {
			if err := tx.Model(&conversationRow{}).
				Where("id = ?", conversationID).
				Updates(updates).Error; err != nil {
				return fmt.Errorf("更新会话未读/摘要状态失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishHint(ctx, conversationID)
	return nil
}

// SetReaction 设置或替换 userID 在消息上的唯一反应。
func (s *gormRemoteStore) SetReaction(ctx context.Context, conversationID, messageID, userID, emoji string) error {
	return s.mutateReactions(ctx, conversationID, messageID, func(reactions map[string]string) {
		reactions[userID] = emoji
	})
}

// RemoveReaction 删除 userID 在消息上的反应（字段删除）。
func (s *gormRemoteStore) RemoveReaction(ctx context.Context, conversationID, messageID, userID string) error {
	return s.mutateReactions(ctx, conversationID, messageID, func(reactions map[string]string) {
		delete(reactions, userID)
	})
}

// mutateReactions 在行锁内读改写消息的反应字段。
func (s *gormRemoteStore) mutateReactions(ctx context.Context, conversationID, messageID string, mutate func(map[string]string)) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row messageRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "id = ? AND conversation_id = ?", messageID, conversationID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("锁定消息失败: %w", err)
		}

		reactions := map[string]string{}
		if len(row.ReactionsRaw) > 0 {
			if err := json.Unmarshal(row.ReactionsRaw, &reactions); err != nil {
				return fmt.Errorf("消息 %s 的反应数据损坏: %w", messageID, err)
			}
		}
		mutate(reactions)

		raw, err := json.Marshal(reactions)
		if err != nil {
			return fmt.Errorf("序列化反应数据失败: %w", err)
		}
		if err := tx.Model(&messageRow{}).
			Where("id = ?", messageID).
			Update("reactions_raw", json.RawMessage(raw)).Error; err != nil {
			return fmt.Errorf("写入反应数据失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publishHint(ctx, conversationID)
	return nil
}
