package sync

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/internal/chattypes"
	"chatsync/internal/store"
)

// StatusReconciler 驱动 sent → delivered → read 状态机。
// 转换是幂等且单调的：重复应用是 no-op，Read 永不回退；
// 转换只作用于地址为本地用户的消息。失败的转换由下一次
// 扫描重试，绝不作为用户可见错误上浮——它不影响消息内容。
type StatusReconciler struct {
	store   store.RemoteStore
	cache   *ConversationCache
	actorID string

	mu          sync.Mutex
	delivered   map[string]map[string]bool // conversationID → messageID → delivered 写入已发出（去重在途/已完成的写）
	pendingRead map[string]bool            // conversationID → 失败的 read 批量待重试
}

// NewStatusReconciler 创建一个新的状态对账器。
func NewStatusReconciler(st store.RemoteStore, cache *ConversationCache, actorID string) *StatusReconciler {
	return &StatusReconciler{
		store:       st,
		cache:       cache,
		actorID:     actorID,
		delivered:   make(map[string]map[string]bool),
		pendingRead: make(map[string]bool),
	}
}

// claimDelivered 原子地认领一批消息的 delivered 写入，
// 返回尚未被认领的子集。同一快照重复投递不会重发写入。
func (r *StatusReconciler) claimDelivered(conversationID string, ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	claims := r.delivered[conversationID]
	if claims == nil {
		claims = make(map[string]bool)
		r.delivered[conversationID] = claims
	}
	var claimed []string
	for _, id := range ids {
		if !claims[id] {
			claims[id] = true
			claimed = append(claimed, id)
		}
	}
	return claimed
}

// releaseDelivered 在写入失败后释放认领，让下一次扫描重试。
func (r *StatusReconciler) releaseDelivered(conversationID string, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claims := r.delivered[conversationID]
	for _, id := range ids {
		delete(claims, id)
	}
}

// ForgetConversation 丢弃一个会话的认领和待重试状态（会话关闭时调用）。
// 重新打开后的重复写由存储层的条件 WHERE 吸收为 no-op。
func (r *StatusReconciler) ForgetConversation(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.delivered, conversationID)
	delete(r.pendingRead, conversationID)
}

// eligibleForDelivery 返回消息是否符合 Sent → Delivered 转换条件：
// 本地用户是接收方，且观察到的状态是 Sent。
func (r *StatusReconciler) eligibleForDelivery(msg *chattypes.Message) bool {
	return msg.ReceiverID == r.actorID && msg.Status == chattypes.StatusSent && msg.Confirmed()
}

// ObserveMessage 是实时到达的快路径：单条新观察到的消息
// 不等周期扫描立即推进到 Delivered。
func (r *StatusReconciler) ObserveMessage(ctx context.Context, conversationID string, msg chattypes.Message) {
	if !r.eligibleForDelivery(&msg) {
		return
	}
	r.advanceDelivered(ctx, conversationID, []string{msg.ID})
}

// ObserveSnapshot 检查快照中所有符合条件的消息并批量推进。
// 由订阅泵在每次快照合并后调用。
func (r *StatusReconciler) ObserveSnapshot(ctx context.Context, conversationID string, messages []chattypes.Message) {
	var ids []string
	for i := range messages {
		if r.eligibleForDelivery(&messages[i]) {
			ids = append(ids, messages[i].ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	r.advanceDelivered(ctx, conversationID, ids)
}

// advanceDelivered 把认领到的消息批量推进到 Delivered。
func (r *StatusReconciler) advanceDelivered(ctx context.Context, conversationID string, ids []string) {
	claimed := r.claimDelivered(conversationID, ids)
	if len(claimed) == 0 {
		return
	}
	if err := r.store.AdvanceStatus(ctx, conversationID, r.actorID, claimed, chattypes.StatusDelivered); err != nil {
		log.Printf("会话 %s 推进 delivered 失败（下次扫描重试）: %v", conversationID, err)
		r.releaseDelivered(conversationID, claimed)
		return
	}
	r.applyLocal(conversationID, claimed, chattypes.StatusDelivered)
}

// MarkConversationRead 在消息被视觉消费后调用：把会话内所有
// 地址为本地用户的消息批量推进到 Read，并在同一个原子写中
// 重置未读计数，避免状态与计数之间的部分失败不一致。
func (r *StatusReconciler) MarkConversationRead(ctx context.Context, conversationID string) error {
	if err := r.store.AdvanceStatus(ctx, conversationID, r.actorID, nil, chattypes.StatusRead); err != nil {
		log.Printf("会话 %s 推进 read 失败（下次扫描重试）: %v", conversationID, err)
		r.mu.Lock()
		r.pendingRead[conversationID] = true
		r.mu.Unlock()
		return err
	}
	r.mu.Lock()
	delete(r.pendingRead, conversationID)
	r.mu.Unlock()

	var ids []string
	for _, m := range r.cache.Messages(conversationID) {
		if m.ReceiverID == r.actorID && m.Status.CanAdvanceTo(chattypes.StatusRead) {
			ids = append(ids, m.ID)
		}
	}
	r.applyLocal(conversationID, ids, chattypes.StatusRead)
	return nil
}

// Sweep 是周期回退路径：重跑批量转换，补上快路径漏掉或
// 写失败的消息，并重发上次失败的 read 批量。
func (r *StatusReconciler) Sweep(ctx context.Context, conversationID string) {
	r.ObserveSnapshot(ctx, conversationID, r.cache.Messages(conversationID))

	r.mu.Lock()
	pending := r.pendingRead[conversationID]
	r.mu.Unlock()
	if pending {
		// 仍然失败则保持 pending，留给下一次扫描。
		_ = r.MarkConversationRead(ctx, conversationID)
	}
}

// RunSweep 以固定间隔运行扫描，直到 ctx 被取消。
// 由会话在打开时启动、关闭时取消。
func (r *StatusReconciler) RunSweep(ctx context.Context, conversationID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, conversationID)
		}
	}
}

// applyLocal 把成功写入的状态同步回本地缓存（单调：只前进）。
func (r *StatusReconciler) applyLocal(conversationID string, ids []string, target chattypes.MessageStatus) {
	for _, id := range ids {
		msg, ok := r.cache.Get(conversationID, id)
		if !ok || !msg.Status.CanAdvanceTo(target) {
			continue
		}
		msg.Status = target
		r.cache.Upsert(conversationID, msg)
	}
}
