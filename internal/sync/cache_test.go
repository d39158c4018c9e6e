package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/chattypes"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func ids(messages []chattypes.Message) []string {
	out := make([]string, len(messages))
	for i := range messages {
		out[i] = messages[i].ID
	}
	return out
}

func newTestCache(liveWindow int) *ConversationCache {
	return NewConversationCache(NewBus(), liveWindow)
}

func TestApplySnapshot_NewestFirst(t *testing.T) {
	cache := newTestCache(50)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m3", "alice", "bob", base.Add(3*time.Second)),
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)),
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	require.Equal(t, []string{"m3", "m2", "m1"}, ids(cache.Messages("conv-1")))
}

func TestApplySnapshot_PreservesPaginatedTail(t *testing.T) {
	cache := newTestCache(2)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m4", "alice", "bob", base.Add(4*time.Second)),
		confirmedAt("m3", "alice", "bob", base.Add(3*time.Second)),
	})
	// 分页取得的更旧尾部
	cache.AppendOlder("conv-1", []chattypes.Message{
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)),
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	// 新快照只覆盖实时窗口；被挤出窗口的 m3 和分页尾部必须原样保留
	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m5", "alice", "bob", base.Add(5*time.Second)),
		confirmedAt("m4", "alice", "bob", base.Add(4*time.Second)),
	})

	require.Equal(t, []string{"m5", "m4", "m3", "m2", "m1"}, ids(cache.Messages("conv-1")))
}

func TestApplySnapshot_KeepsUnconfirmedOptimisticMessages(t *testing.T) {
	cache := newTestCache(50)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})
	// 乐观消息尚未确认，远端快照里还看不到它
	cache.Upsert("conv-1", provisionalAt("local-1", "bob", "alice", base.Add(2*time.Second)))

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	require.Equal(t, []string{"local-1", "m1"}, ids(cache.Messages("conv-1")))
}

func TestApplySnapshot_DropsConfirmedMessagesMissingFromSnapshot(t *testing.T) {
	cache := newTestCache(50)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)),
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})
	// m2 在远端被删除：新快照不含它，窗口内也不应再出现
	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	require.Equal(t, []string{"m1"}, ids(cache.Messages("conv-1")))
}

func TestApplySnapshot_InitialCursor(t *testing.T) {
	cache := newTestCache(2)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)),
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.Equal(t, "m1", cursor.MessageID)
	require.True(t, cursor.HasMore, "满窗口的快照意味着可能还有更旧的页")
}

func TestApplySnapshot_ShortWindowMeansNoMore(t *testing.T) {
	cache := newTestCache(50)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.False(t, cursor.HasMore)
}

func TestApplySnapshot_DoesNotResetPaginatedCursor(t *testing.T) {
	cache := newTestCache(1)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m3", "alice", "bob", base.Add(3*time.Second)),
	})
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{
		SentAt:    base.Add(1 * time.Second),
		MessageID: "m1",
		HasMore:   true,
	})

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m4", "alice", "bob", base.Add(4*time.Second)),
	})

	cursor := cache.Cursor("conv-1")
	require.NotNil(t, cursor)
	require.Equal(t, "m1", cursor.MessageID, "实时快照不得覆盖主动分页建立的游标")
}

func TestAppendOlder_DeduplicatesAndKeepsPrefix(t *testing.T) {
	cache := newTestCache(50)

	cache.ApplySnapshot("conv-1", []chattypes.Message{
		confirmedAt("m3", "alice", "bob", base.Add(3*time.Second)),
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)),
	})

	cache.AppendOlder("conv-1", []chattypes.Message{
		confirmedAt("m2", "alice", "bob", base.Add(2*time.Second)), // 与窗口重叠
		confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)),
	})

	require.Equal(t, []string{"m3", "m2", "m1"}, ids(cache.Messages("conv-1")))
}

func TestUpsert_ReplacesInPlaceAndOrders(t *testing.T) {
	cache := newTestCache(50)

	m1 := confirmedAt("m1", "alice", "bob", base.Add(1*time.Second))
	m2 := confirmedAt("m2", "alice", "bob", base.Add(2*time.Second))
	cache.Upsert("conv-1", m1)
	cache.Upsert("conv-1", m2)

	m1.Text = "edited"
	cache.Upsert("conv-1", m1)

	msgs := cache.Messages("conv-1")
	require.Equal(t, []string{"m2", "m1"}, ids(msgs))
	require.Equal(t, "edited", msgs[1].Text)
}

func TestUpsert_EqualTimestampsAreStable(t *testing.T) {
	cache := newTestCache(50)

	cache.Upsert("conv-1", confirmedAt("first", "alice", "bob", base))
	cache.Upsert("conv-1", confirmedAt("second", "alice", "bob", base))

	require.Equal(t, []string{"first", "second"}, ids(cache.Messages("conv-1")))
}

func TestRemove_ReturnsRemovedMessage(t *testing.T) {
	cache := newTestCache(50)
	cache.Upsert("conv-1", confirmedAt("m1", "alice", "bob", base))

	removed, ok := cache.Remove("conv-1", "m1")
	require.True(t, ok)
	require.Equal(t, "m1", removed.ID)
	require.Empty(t, cache.Messages("conv-1"))

	_, ok = cache.Remove("conv-1", "m1")
	require.False(t, ok)
}

func TestProvisionalMessageSortsByLocalTime(t *testing.T) {
	cache := newTestCache(50)

	cache.Upsert("conv-1", confirmedAt("m1", "alice", "bob", base.Add(1*time.Second)))
	cache.Upsert("conv-1", provisionalAt("local-1", "bob", "alice", base.Add(2*time.Second)))
	cache.Upsert("conv-1", confirmedAt("m2", "alice", "bob", base.Add(3*time.Second)))

	require.Equal(t, []string{"m2", "local-1", "m1"}, ids(cache.Messages("conv-1")))
}

func TestClear_DropsAllState(t *testing.T) {
	cache := newTestCache(50)
	cache.Upsert("conv-1", confirmedAt("m1", "alice", "bob", base))
	cache.SetCursorPaginated("conv-1", chattypes.Cursor{MessageID: "m1"})

	cache.Clear()

	require.Empty(t, cache.Messages("conv-1"))
	require.Nil(t, cache.Cursor("conv-1"))
}
