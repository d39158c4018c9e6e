package sync

import (
	"context"
	"fmt"
	"sort"

	"chatsync/internal/chattypes"
	"chatsync/internal/store"
)

// ReactionAggregator 维护每条消息的反应表并实现切换语义。
// 每用户每消息恰好一个反应；乱序到达的反应更新由缓存合并
// 规则保证在向后分页期间不丢失。
type ReactionAggregator struct {
	store   store.RemoteStore
	cache   *ConversationCache
	actorID string
}

// NewReactionAggregator 创建一个新的反应聚合器。
func NewReactionAggregator(st store.RemoteStore, cache *ConversationCache, actorID string) *ReactionAggregator {
	return &ReactionAggregator{store: st, cache: cache, actorID: actorID}
}

// Toggle 切换本地用户在一条消息上的反应：
// 当前反应等于 emoji 时移除（单次往返的字段删除），
// 否则设置/替换。本地缓存先行更新，远端失败时回滚。
func (a *ReactionAggregator) Toggle(ctx context.Context, conversationID, messageID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("emoji 不能为空")
	}

	old, ok := a.cache.Get(conversationID, messageID)
	if !ok {
		return store.ErrMessageNotFound
	}

	removing := old.Reactions[a.actorID] == emoji

	updated := old
	updated.Reactions = cloneReactions(old.Reactions)
	if removing {
		delete(updated.Reactions, a.actorID)
	} else {
		updated.Reactions[a.actorID] = emoji
	}
	a.cache.Upsert(conversationID, updated)

	var err error
	if removing {
		err = a.store.RemoveReaction(ctx, conversationID, messageID, a.actorID)
	} else {
		err = a.store.SetReaction(ctx, conversationID, messageID, a.actorID, emoji)
	}
	if err != nil {
		a.cache.Upsert(conversationID, old) // 回滚
		return fmt.Errorf("切换反应失败: %w", err)
	}
	return nil
}

// ReactionGroup 是展示层使用的聚合视图：同一 emoji 的去重用户数。
type ReactionGroup struct {
	Emoji   string   `json:"emoji"`
	Count   int      `json:"count"`
	UserIDs []string `json:"userIds"`
}

// Groups 按 emoji 聚合一条消息的反应。底层反应表每次变化
// （包括移除）后都必须重新计算，这样"反应被移除"和
// "反应换成了别的 emoji"才能被区分开。
func Groups(msg *chattypes.Message) []ReactionGroup {
	if len(msg.Reactions) == 0 {
		return nil
	}

	byEmoji := make(map[string][]string)
	for userID, emoji := range msg.Reactions {
		byEmoji[emoji] = append(byEmoji[emoji], userID)
	}

	groups := make([]ReactionGroup, 0, len(byEmoji))
	for emoji, users := range byEmoji {
		sort.Strings(users)
		groups = append(groups, ReactionGroup{Emoji: emoji, Count: len(users), UserIDs: users})
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Emoji < groups[j].Emoji
	})
	return groups
}

func cloneReactions(reactions map[string]string) map[string]string {
	out := make(map[string]string, len(reactions))
	for k, v := range reactions {
		out[k] = v
	}
	return out
}
