package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/chattypes"
	"chatsync/internal/store"
)

// SendPipeline 实现乐观发送：本地生成 ID、先插缓存再落远端，
// 失败则回滚本地状态并把错误交还调用方。编辑和删除遵循同样的
// 先本地后对账模式。不允许留下任何部分状态（有消息没摘要，
// 或有摘要没消息）。
type SendPipeline struct {
	store   store.RemoteStore
	cache   *ConversationCache
	bus     *Bus
	actorID string
}

// NewSendPipeline 创建一个新的乐观发送管道。
func NewSendPipeline(st store.RemoteStore, cache *ConversationCache, bus *Bus, actorID string) *SendPipeline {
	return &SendPipeline{store: st, cache: cache, bus: bus, actorID: actorID}
}

// Send 发送一条新消息。UI 在任何网络往返之前就能看到它；
// 远端写入（消息 + 会话摘要 + 未读自增，单个逻辑单元）失败时
// 乐观消息从缓存移除，错误返回给调用方。
// 返回的消息在成功时带有服务端时间戳。
func (p *SendPipeline) Send(ctx context.Context, conversationID, receiverID, text, replyTo string) (chattypes.Message, error) {
	if text == "" {
		return chattypes.Message{}, fmt.Errorf("消息内容不能为空")
	}
	if receiverID == p.actorID {
		return chattypes.Message{}, fmt.Errorf("不能给自己发送消息")
	}

	msg := chattypes.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.actorID,
		ReceiverID:     receiverID,
		Text:           text,
		LocalAt:        time.Now(),
		Status:         chattypes.StatusSent,
		ReplyTo:        replyTo,
		EmojiOnly:      chattypes.IsEmojiOnly(text),
	}

	// 乐观插入：先让 UI 看到
	p.cache.Upsert(conversationID, msg)

	if err := p.store.CreateMessage(ctx, &msg); err != nil {
		// 原子回滚：消息消失，冗余摘要从未被触碰
		p.cache.Remove(conversationID, msg.ID)
		return chattypes.Message{}, fmt.Errorf("发送消息失败: %w", err)
	}

	// 确认：同一 ID 带上服务端时间戳重新落位
	p.cache.Upsert(conversationID, msg)
	p.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeSummary, ConversationID: conversationID, MessageID: msg.ID})
	return msg, nil
}

// Edit 编辑一条消息：立即更新本地缓存，再写远端；
// 失败时恢复旧内容。只有发送者本人可以编辑。
func (p *SendPipeline) Edit(ctx context.Context, conversationID, messageID, text string) error {
	if text == "" {
		return fmt.Errorf("消息内容不能为空")
	}

	old, ok := p.cache.Get(conversationID, messageID)
	if !ok {
		return store.ErrMessageNotFound
	}
	if old.SenderID != p.actorID {
		return fmt.Errorf("只能编辑自己发送的消息")
	}

	edited := old
	edited.Text = text
	edited.Edited = true
	edited.EmojiOnly = chattypes.IsEmojiOnly(text)
	p.cache.Upsert(conversationID, edited)

	if err := p.store.UpdateMessageText(ctx, conversationID, messageID, text, edited.EmojiOnly); err != nil {
		p.cache.Upsert(conversationID, old) // 回滚
		return fmt.Errorf("编辑消息失败: %w", err)
	}

	p.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeSummary, ConversationID: conversationID, MessageID: messageID})
	return nil
}

// Delete 删除一条消息：立即从本地缓存移除，再写远端；
// 失败时恢复。被删除的是最新消息时，远端在同一事务内由
// 幸存消息重算会话摘要。
func (p *SendPipeline) Delete(ctx context.Context, conversationID, messageID string) error {
	old, ok := p.cache.Remove(conversationID, messageID)
	if !ok {
		return store.ErrMessageNotFound
	}
	if old.SenderID != p.actorID {
		p.cache.Upsert(conversationID, old)
		return fmt.Errorf("只能删除自己发送的消息")
	}

	if err := p.store.DeleteMessage(ctx, conversationID, messageID); err != nil {
		p.cache.Upsert(conversationID, old) // 回滚
		return fmt.Errorf("删除消息失败: %w", err)
	}

	p.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeSummary, ConversationID: conversationID, MessageID: messageID})
	return nil
}

// ResolveReply 解析被回复的消息。目标已被删除时返回占位文本，
// 而不是错误。
func (p *SendPipeline) ResolveReply(conversationID, replyTo string) string {
	if replyTo == "" {
		return ""
	}
	if msg, ok := p.cache.Get(conversationID, replyTo); ok {
		return msg.Text
	}
	return chattypes.ReplyPlaceholder
}
