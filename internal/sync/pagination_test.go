package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/chattypes"
)

func TestLoadMore_AppendsPageAndAdvancesCursor(t *testing.T) {
	st := newFakeStore()
	st.queryPages = [][]chattypes.Message{{
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)),
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	}}
	cache := newTestCache(50)
	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m3", "alice", "bob", base.Add(3*time.Second)),
	})
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{
		SentAt:    base.Add(3 * time.Second),
		MessageID: "m3",
		HasMore:   true,
	})

	p := NewPaginationController(st, cache, 2, nil)
	require.NoError(t, p.LoadMore(context.Background(), "conv-1"))

	require.Equal(t, []string{"m3", "m2", "m1"}, ids(cache.Messages("conv-1")))
	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.Equal(t, "m1", cursor.MessageID)
	require.True(t, cursor.HasMore, "整页返回意味着可能还有更旧的")
}

func TestLoadMore_ShortPageFlipsHasMore(t *testing.T) {
	st := newFakeStore()
	st.queryPages = [][]chattypes.Message{{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	}}
	cache := newTestCache(50)

	p := NewPaginationController(st, cache, 2, nil)
	require.NoError(t, p.LoadMore(context.Background(), "conv-1"))

	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.False(t, cursor.HasMore)
}

func TestLoadMore_NoMoreIsNoop(t *testing.T) {
	st := newFakeStore()
	cache := newTestCache(50)
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{MessageID: "m1", HasMore: false})

	p := NewPaginationController(st, cache, 2, nil)
	require.NoError(t, p.LoadMore(context.Background(), "conv-1"))
	require.Zero(t, st.queryCount(), "hasMore=false 时不应发出查询")
}

func TestLoadMore_EmptyPageFlipsHasMore(t *testing.T) {
	st := newFakeStore()
	cache := newTestCache(50)
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{MessageID: "m1", HasMore: true})

	p := NewPaginationController(st, cache, 2, nil)
	require.NoError(t, p.LoadMore(context.Background(), "conv-1"))

	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.False(t, cursor.HasMore)
}

func TestLoadMore_ConcurrentCallsCollapse(t *testing.T) {
	st := newFakeStore()
	st.queryBlock = make(chan struct{})
	st.queryPages = [][]chattypes.Message{{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	}}
	cache := newTestCache(50)
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{
		SentAt:    base.Add(2 * time.Second),
		MessageID: "m2",
		HasMore:   true,
	})

	p := NewPaginationController(st, cache, 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.LoadMore(context.Background(), "conv-1")
		}()
	}
	// 让后来者先撞上在途守卫再放行第一个查询
	time.Sleep(50 * time.Millisecond)
	close(st.queryBlock)
	wg.Wait()

	require.Equal(t, 1, st.queryCount(), "同一会话的并发 LoadMore 必须合并为一次请求")
}

func TestLoadMore_QueryFailureLeavesCursorIntact(t *testing.T) {
	st := newFakeStore()
	st.queryErr = context.DeadlineExceeded
	cache := newTestCache(50)
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{MessageID: "m2", HasMore: true})

	p := NewPaginationController(st, cache, 2, nil)
	require.Error(t, p.LoadMore(context.Background(), "conv-1"))

	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.Equal(t, "m2", cursor.MessageID)
	require.True(t, cursor.HasMore, "失败的加载不应动游标，重试从同一位置继续")
}

func TestLoadMore_DiscardsResultWhenConversationClosed(t *testing.T) {
	st := newFakeStore()
	st.queryPages = [][]chattypes.Message{{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	}}
	cache := newTestCache(50)
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{MessageID: "m2", HasMore: true})

	p := NewPaginationController(st, cache, 2, func(string) bool { return false })
	require.NoError(t, p.LoadMore(context.Background(), "conv-1"))
	require.Empty(t, cache.Messages("conv-1"), "会话已关闭，迟到的页必须丢弃")
}

func TestLoadMore_DerivesCursorFromCacheWhenUnset(t *testing.T) {
	st := newFakeStore()
	st.queryPages = [][]chattypes.Message{{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	}}
	cache := newTestCache(50)
	cache.Upsert("conv-1", confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)))

	p := NewPaginationController(st, cache, 2, nil)
	require.NoError(t, p.LoadMore(context.Background(), "conv-1"))

	st.mu.Lock()
	passed := st.queryCursors[0]
	st.mu.Unlock()
	require.NotNil(t, passed)
	require.Equal(t, "m2", passed.MessageID, "游标未建立时应从缓存最旧一条续读")
}
