package sync

import (
	"context"
	"fmt"
	"sync"

	"chatsync/internal/chattypes"
	"chatsync/internal/store"
)

// PaginationController 是向后的游标分页加载器。
// 同一会话并发调用 LoadMore 会合并为一次请求（后来者观察到
// no-op 守卫直接返回）；实时快照的合并不会干扰分页状态。
type PaginationController struct {
	querier  store.MessageQuerier
	cache    *ConversationCache
	pageSize int
	isOpen   func(conversationID string) bool // 会话关闭后丢弃迟到的结果

	mu       sync.Mutex
	inflight map[string]bool
}

// NewPaginationController 创建一个新的分页控制器。
// isOpen 为 nil 时不做会话开关检查（测试用）。
func NewPaginationController(querier store.MessageQuerier, cache *ConversationCache, pageSize int, isOpen func(string) bool) *PaginationController {
	if isOpen == nil {
		isOpen = func(string) bool { return true }
	}
	return &PaginationController{
		querier:  querier,
		cache:    cache,
		pageSize: pageSize,
		isOpen:   isOpen,
		inflight: make(map[string]bool),
	}
}

// LoadMore 从存储的游标位置向后加载一页更旧的消息。
// 已有加载在途、或游标表明没有更多页时为 no-op（返回 nil）。
func (p *PaginationController) LoadMore(ctx context.Context, conversationID string) error {
	cursor := p.cache.Cursor(conversationID)
	if cursor != nil && !cursor.HasMore {
		return nil
	}

	p.mu.Lock()
	if p.inflight[conversationID] {
		p.mu.Unlock()
		return nil
	}
	p.inflight[conversationID] = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inflight, conversationID)
		p.mu.Unlock()
	}()

	// 游标尚未建立（会话刚打开、快照还没到）时从缓存的最旧一条续读
	if cursor == nil {
		if msgs := p.cache.Messages(conversationID); len(msgs) > 0 {
			oldest := msgs[len(msgs)-1]
			cursor = &chattypes.Cursor{
				SentAt:    oldest.EffectiveTime(),
				MessageID: oldest.ID,
				HasMore:   true,
			}
		}
	}

	page, err := p.querier.QueryMessagesBefore(ctx, conversationID, cursor, p.pageSize)
	if err != nil {
		return fmt.Errorf("向后加载会话 %s 失败: %w", conversationID, err)
	}

	// 会话在请求期间被关闭：结果丢弃
	if !p.isOpen(conversationID) {
		return nil
	}

	if len(page) > 0 {
		p.cache.AppendOlder(conversationID, page)
		last := page[len(page)-1]
		p.cache.SetCursorPaginated(conversationID, chattypes.Cursor{
			SentAt:    last.EffectiveTime(),
			MessageID: last.ID,
			HasMore:   len(page) == p.pageSize,
		})
	} else if cursor != nil {
		// 空页：到底了，只翻转 hasMore
		done := *cursor
		done.HasMore = false
		p.cache.SetCursorPaginated(conversationID, done)
	}
	return nil
}
