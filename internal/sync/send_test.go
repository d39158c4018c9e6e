package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/chattypes"
)

func newTestPipeline(st *fakeStore) (*SendPipeline, *ConversationCache) {
	cache := newTestCache(50)
	return NewSendPipeline(st, cache, NewBus(), "bob"), cache
}

func TestSend_ConfirmedMessageCarriesServerTimestamp(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)

	msg, err := p.Send(context.Background(), "conv-1", "alice", "hello", "")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.True(t, msg.Confirmed())
	require.Equal(t, chattypes.StatusSent, msg.Status)

	got, ok := cache.Get("conv-1", msg.ID)
	require.True(t, ok)
	require.True(t, got.Confirmed())
}

func TestSend_RemoteFailureRollsBackOptimisticInsert(t *testing.T) {
	st := newFakeStore()
	st.createErr = fmt.Errorf("存储不可用")
	p, cache := newTestPipeline(st)

	_, err := p.Send(context.Background(), "conv-1", "alice", "hello", "")
	require.Error(t, err)
	require.Empty(t, cache.Messages("conv-1"), "失败的发送不得留下乐观消息")
}

func TestSend_ValidationRejectsEmptyTextAndSelfSend(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)

	_, err := p.Send(context.Background(), "conv-1", "alice", "", "")
	require.Error(t, err)

	_, err = p.Send(context.Background(), "conv-1", "bob", "hi", "")
	require.Error(t, err)

	require.Zero(t, st.createCalls)
	require.Empty(t, cache.Messages("conv-1"))
}

func TestSend_EmojiOnlyDetection(t *testing.T) {
	st := newFakeStore()
	p, _ := newTestPipeline(st)

	msg, err := p.Send(context.Background(), "conv-1", "alice", "👍 🎉", "")
	require.NoError(t, err)
	require.True(t, msg.EmojiOnly)

	msg, err = p.Send(context.Background(), "conv-1", "alice", "ok 👍", "")
	require.NoError(t, err)
	require.False(t, msg.EmojiOnly)
}

func TestEdit_RollsBackOnRemoteFailure(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)
	original := confirmedAt("m1", "bob", "alice", base)
	original.Text = "original"
	cache.Upsert("conv-1", original)

	st.updateErr = fmt.Errorf("存储不可用")
	require.Error(t, p.Edit(context.Background(), "conv-1", "m1", "edited"))

	got, _ := cache.Get("conv-1", "m1")
	require.Equal(t, "original", got.Text)
	require.False(t, got.Edited)
}

func TestEdit_OnlySenderMayEdit(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)
	cache.Upsert("conv-1", confirmedAt("m1", "alice", "bob", base))

	require.Error(t, p.Edit(context.Background(), "conv-1", "m1", "edited"))
}

func TestEdit_SetsEditedFlag(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)
	cache.Upsert("conv-1", confirmedAt("m1", "bob", "alice", base))

	require.NoError(t, p.Edit(context.Background(), "conv-1", "m1", "edited"))

	got, _ := cache.Get("conv-1", "m1")
	require.Equal(t, "edited", got.Text)
	require.True(t, got.Edited)
}

func TestDelete_RollsBackOnRemoteFailure(t *testing.T) {
	st := newFakeStore()
	st.deleteErr = fmt.Errorf("存储不可用")
	p, cache := newTestPipeline(st)
	cache.Upsert("conv-1", confirmedAt("m1", "bob", "alice", base))

	require.Error(t, p.Delete(context.Background(), "conv-1", "m1"))

	_, ok := cache.Get("conv-1", "m1")
	require.True(t, ok, "失败的删除必须恢复消息")
}

func TestDelete_ForeignMessageIsRestored(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)
	cache.Upsert("conv-1", confirmedAt("m1", "alice", "bob", base))

	require.Error(t, p.Delete(context.Background(), "conv-1", "m1"))

	_, ok := cache.Get("conv-1", "m1")
	require.True(t, ok)
}

func TestResolveReply_DeletedTargetYieldsPlaceholder(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)
	target := confirmedAt("m1", "alice", "bob", base)
	target.Text = "target text"
	cache.Upsert("conv-1", target)

	require.Equal(t, "target text", p.ResolveReply("conv-1", "m1"))
	require.Equal(t, "", p.ResolveReply("conv-1", ""))

	cache.Remove("conv-1", "m1")
	require.Equal(t, chattypes.ReplyPlaceholder, p.ResolveReply("conv-1", "m1"))
}

func TestSend_ReplyThreadSurvivesTargetDeletion(t *testing.T) {
	st := newFakeStore()
	p, cache := newTestPipeline(st)
	target := confirmedAt("m1", "alice", "bob", base.Add(-time.Second))
	cache.Upsert("conv-1", target)

	reply, err := p.Send(context.Background(), "conv-1", "alice", "re: hi", "m1")
	require.NoError(t, err)
	require.Equal(t, "m1", reply.ReplyTo)

	cache.Remove("conv-1", "m1")
	got, ok := cache.Get("conv-1", reply.ID)
	require.True(t, ok)
	require.Equal(t, "m1", got.ReplyTo, "回复链接保留，展示层解析为占位文本")
}
