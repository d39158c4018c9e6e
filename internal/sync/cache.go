package sync

import (
	"sync"

	"chatsync/internal/chattypes"
)

// conversationEntry 是单个会话的缓存状态。
// 条目自带互斥锁：同一会话的所有变更串行化
// （单写者纪律），不同会话互不阻塞。
type conversationEntry struct {
	mu       sync.Mutex
	messages []chattypes.Message // 按时间从新到旧
	cursor   *chattypes.Cursor
	paged    bool // 游标是否由主动分页建立
}

// ConversationCache 是每会话的有序消息缓存，带分页游标。
// 纯内存数据结构，不做 I/O；每次变更通过 Bus 发出事件。
type ConversationCache struct {
	mu         sync.Mutex
	entries    map[string]*conversationEntry
	bus        *Bus
	liveWindow int
}

// NewConversationCache 创建一个新的会话缓存。
// liveWindow 是订阅快照覆盖的窗口大小，用于推断初始 hasMore。
func NewConversationCache(bus *Bus, liveWindow int) *ConversationCache {
	return &ConversationCache{
		entries:    make(map[string]*conversationEntry),
		bus:        bus,
		liveWindow: liveWindow,
	}
}

func (c *ConversationCache) entry(conversationID string) *conversationEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[conversationID]
	if !ok {
		e = &conversationEntry{}
		c.entries[conversationID] = e
	}
	return e
}

// ApplySnapshot 把订阅推送的实时窗口合并进缓存：
//   - 快照替换实时窗口部分；
//   - 分页取得的尾部（比快照最旧一条更旧的消息）原样保留；
//   - 尚未确认的乐观消息不会被不包含它们的快照丢掉；
//   - 只有未被主动分页占用的游标才会被（重新）设置。
func (c *ConversationCache) ApplySnapshot(conversationID string, snapshot []chattypes.Message) {
	e := c.entry(conversationID)
	e.mu.Lock()

	inSnapshot := make(map[string]bool, len(snapshot))
	for i := range snapshot {
		inSnapshot[snapshot[i].ID] = true
	}

	// 待确认的乐观消息：不在快照里也要留在窗口中
	var pending []chattypes.Message
	var tail []chattypes.Message
	for i := range e.messages {
		m := e.messages[i]
		if inSnapshot[m.ID] {
			continue
		}
		if !m.Confirmed() {
			pending = append(pending, m)
			continue
		}
		if len(snapshot) > 0 && olderThan(&m, &snapshot[len(snapshot)-1]) {
			tail = append(tail, m)
		}
	}

	merged := make([]chattypes.Message, 0, len(pending)+len(snapshot)+len(tail))
	merged = append(merged, snapshot...)
	for i := range pending {
		merged = insertOrdered(merged, pending[i])
	}
	merged = append(merged, tail...)
	e.messages = merged

	// 只有初始加载可以设置游标；主动分页建立的游标不能被实时快照覆盖
	if !e.paged {
		if len(merged) == 0 {
			e.cursor = nil
		} else {
			oldest := merged[len(merged)-1]
			e.cursor = &chattypes.Cursor{
				SentAt:    oldest.EffectiveTime(),
				MessageID: oldest.ID,
				HasMore:   len(snapshot) >= c.liveWindow,
			}
		}
	}
	e.mu.Unlock()

	c.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeSnapshot, ConversationID: conversationID})
}

// AppendOlder 把更旧的一页追加到尾部。按 ID 去重，
// 绝不丢弃缓存中已有的消息，也绝不重排已有前缀。
func (c *ConversationCache) AppendOlder(conversationID string, older []chattypes.Message) {
	e := c.entry(conversationID)
	e.mu.Lock()
	existing := make(map[string]bool, len(e.messages))
	for i := range e.messages {
		existing[e.messages[i].ID] = true
	}
	for i := range older {
		if existing[older[i].ID] {
			continue
		}
		e.messages = append(e.messages, older[i])
		existing[older[i].ID] = true
	}
	e.mu.Unlock()

	c.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeAppend, ConversationID: conversationID})
}

// Upsert 插入或替换单条消息，保持从新到旧的时间序；
// 时间相同的消息保持稳定顺序（已有的在前）。
func (c *ConversationCache) Upsert(conversationID string, msg chattypes.Message) {
	e := c.entry(conversationID)
	e.mu.Lock()
	for i := range e.messages {
		if e.messages[i].ID == msg.ID {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			break
		}
	}
	e.messages = insertOrdered(e.messages, msg)
	e.mu.Unlock()

	c.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeUpsert, ConversationID: conversationID, MessageID: msg.ID})
}

// Remove 删除单条消息（显式删除或乐观回滚）。
// 返回被删除的消息，便于失败时恢复。
func (c *ConversationCache) Remove(conversationID, messageID string) (chattypes.Message, bool) {
	e := c.entry(conversationID)
	e.mu.Lock()
	var removed chattypes.Message
	found := false
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			removed = e.messages[i]
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			found = true
			break
		}
	}
	e.mu.Unlock()

	if found {
		c.bus.Publish(chattypes.ChangeEvent{Kind: chattypes.ChangeRemove, ConversationID: conversationID, MessageID: messageID})
	}
	return removed, found
}

// Messages 返回会话消息的副本（从新到旧）。
func (c *ConversationCache) Messages(conversationID string) []chattypes.Message {
	e := c.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chattypes.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// Get 按 ID 查找单条消息。
func (c *ConversationCache) Get(conversationID, messageID string) (chattypes.Message, bool) {
	e := c.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.messages {
		if e.messages[i].ID == messageID {
			return e.messages[i], true
		}
	}
	return chattypes.Message{}, false
}

// Cursor 返回会话当前游标的副本，未建立时返回 nil。
func (c *ConversationCache) Cursor(conversationID string) *chattypes.Cursor {
	e := c.entry(conversationID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cursor == nil {
		return nil
	}
	cur := *e.cursor
	return &cur
}

// SetCursorPaginated 记录一次主动分页建立的游标。
// 此后实时快照不再触碰游标。
func (c *ConversationCache) SetCursorPaginated(conversationID string, cursor chattypes.Cursor) {
	e := c.entry(conversationID)
	e.mu.Lock()
	e.cursor = &cursor
	e.paged = true
	e.mu.Unlock()
}

// Clear 清空全部缓存状态（登出时调用）。
func (c *ConversationCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*conversationEntry)
	c.mu.Unlock()
}

// insertOrdered 把 msg 插入从新到旧的序列中。
// 时间相同的消息排在已有消息之后（稳定）。
func insertOrdered(messages []chattypes.Message, msg chattypes.Message) []chattypes.Message {
	t := msg.EffectiveTime()
	idx := len(messages)
	for i := range messages {
		if t.After(messages[i].EffectiveTime()) {
			idx = i
			break
		}
	}
	messages = append(messages, chattypes.Message{})
	copy(messages[idx+1:], messages[idx:])
	messages[idx] = msg
	return messages
}

// olderThan 报告 a 是否严格早于 b（时间相同比 ID，保持与
// 存储层游标查询一致的全序）。
func olderThan(a, b *chattypes.Message) bool {
	at, bt := a.EffectiveTime(), b.EffectiveTime()
	if at.Before(bt) {
		return true
	}
	if at.Equal(bt) {
		return a.ID < b.ID
	}
	return false
}
