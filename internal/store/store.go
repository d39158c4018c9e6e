package store

import (
	"context"
	"errors"

	"chatsync/internal/chattypes"
)

// ErrMessageNotFound 在目标消息不存在（可能已被删除）时返回。
var ErrMessageNotFound = errors.New("消息不存在")

// ErrConversationNotFound 在目标会话不存在时返回。
var ErrConversationNotFound = errors.New("会话不存在")

// RemoteStore 定义了同步引擎消费的远端存储能力：
// 带 start-after 游标的有序范围查询、原子多文档批量写、
// 字段自增与字段删除。实现不定义线格式，只是协议的消费者。
type RemoteStore interface {
	// EnsureConversation 查找或惰性创建两个用户之间的会话。
	EnsureConversation(ctx context.Context, userID1, userID2 string) (*chattypes.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*chattypes.Conversation, error)
	// ListConversations 按最近活动排序返回用户参与的会话（列表视图用）。
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*chattypes.Conversation, error)

	// QueryMessagesBefore 按时间从新到旧返回一页消息。
	// startAfter 为 nil 时从最新一条开始；否则从游标位置之后（更旧方向）继续。
	QueryMessagesBefore(ctx context.Context, conversationID string, startAfter *chattypes.Cursor, limit int) ([]chattypes.Message, error)

	// CreateMessage 以单个原子批量写完成：插入消息（赋服务端时间戳，
	// 写回 msg.SentAt）、更新会话冗余摘要、接收方未读数自增。
	CreateMessage(ctx context.Context, msg *chattypes.Message) error

	// UpdateMessageText 更新消息文本并置 Edited 标记。
	// 仅当该消息是会话记录的最新消息时，同步更新冗余摘要文本。
	UpdateMessageText(ctx context.Context, conversationID, messageID, text string, emojiOnly bool) error

	// DeleteMessage 删除消息。被删除的是会话记录的最新消息时，
	// 在同一事务内由下一条幸存消息重算冗余摘要，没有则清空。
	DeleteMessage(ctx context.Context, conversationID, messageID string) error

	// AdvanceStatus 把会话内地址为 receiverID 的消息批量推进到 target 状态。
	// messageIDs 为 nil 时覆盖所有符合条件的消息。WHERE 子句只匹配
	// 低于 target 的状态，因此重复调用是 no-op（幂等、单调）。
	// target 为 Read 时在同一事务内重置 receiverID 的未读数。
	AdvanceStatus(ctx context.Context, conversationID, receiverID string, messageIDs []string, target chattypes.MessageStatus) error

	// SetReaction 设置或替换 userID 在消息上的唯一反应（字段写入）。
	SetReaction(ctx context.Context, conversationID, messageID, userID, emoji string) error
	// RemoveReaction 删除 userID 在消息上的反应（字段删除，单次往返）。
	RemoveReaction(ctx context.Context, conversationID, messageID, userID string) error
}

// SnapshotSource 是存储的订阅能力：任何变更后推送完整的
// 有序实时窗口快照。与 RemoteStore 分开声明，便于测试替身。
type SnapshotSource interface {
	// Subscribe 注册对某会话的订阅，立即推送一次当前快照。
	// 返回的取消函数注销订阅并关闭通道。
	Subscribe(ctx context.Context, conversationID string, window int) (<-chan chattypes.Snapshot, func(), error)
}
