package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/chattypes"
	"chatsync/internal/config"
)

// fakePublisher 在内存里记录发布的事件，可注入失败。
type fakePublisher struct {
	mu sync.Mutex

	typingEvents   []bool // 按发布顺序记录 active 值
	typingRecord   chattypes.PresenceRecord
	presenceEvents []bool
	presenceRecord chattypes.PresenceRecord
	publishErr     error
	clock          func() time.Time // 非 nil 时每次发布刷新 typingRecord
}

func (f *fakePublisher) PublishTyping(_ context.Context, _, _ string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.typingEvents = append(f.typingEvents, active)
	if f.clock != nil {
		f.typingRecord = chattypes.PresenceRecord{Active: active, UpdatedAt: f.clock()}
	}
	return nil
}

func (f *fakePublisher) GetTyping(context.Context, string, string) (chattypes.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.typingRecord, nil
}

func (f *fakePublisher) PublishPresence(_ context.Context, _ string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.presenceEvents = append(f.presenceEvents, online)
	return nil
}

func (f *fakePublisher) GetPresence(context.Context, string) (chattypes.PresenceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.presenceRecord, nil
}

func (f *fakePublisher) typing() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typingEvents...)
}

func (f *fakePublisher) presence() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.presenceEvents...)
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func testCfg() config.SyncConfig {
	return config.SyncConfig{
		TypingIdleWindow:  40 * time.Millisecond,
		TypingTTL:         5 * time.Second,
		PresenceHeartbeat: 30 * time.Millisecond,
		PresenceTTL:       90 * time.Second,
		RetryBackoff:      10 * time.Millisecond,
		RetryBackoffMax:   40 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartTyping_PublishesActiveThenIdleInactive(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, testCfg(), "bob")

	require.NoError(t, c.StartTyping(context.Background(), "conv-1"))
	require.Equal(t, []bool{true}, pub.typing())

	// 空闲窗口结束后自动发布 inactive
	waitFor(t, func() bool { return len(pub.typing()) == 2 }, "空闲定时器未触发 inactive")
	require.Equal(t, []bool{true, false}, pub.typing())
}

func TestStartTyping_RepeatedCallsResetTimerWithoutStacking(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, testCfg(), "bob")

	require.NoError(t, c.StartTyping(context.Background(), "conv-1"))
	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond) // 空闲窗口内持续输入
		require.NoError(t, c.StartTyping(context.Background(), "conv-1"))
	}
	// 每次调用都重发 active 刷新记录，持续输入期间不出现 inactive
	require.Equal(t, []bool{true, true, true, true}, pub.typing())

	waitFor(t, func() bool { return len(pub.typing()) == 5 }, "最后一次重置后的定时器未触发")
	require.Equal(t, []bool{true, true, true, true, false}, pub.typing(), "多次调用只产生一个定时器")
}

func TestStartTyping_ContinuousTypingStaysFreshPastTTL(t *testing.T) {
	pub := &fakePublisher{}
	cfg := testCfg()
	cfg.TypingIdleWindow = time.Hour // 持续输入场景：空闲定时器不触发
	c := NewCoordinator(pub, cfg, "bob")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pub.clock = func() time.Time { return now }
	c.now = func() time.Time { return now }

	// 每 2 秒敲一次键，总时长超过 TypingTTL（5 秒）
	for i := 0; i < 5; i++ {
		require.NoError(t, c.StartTyping(context.Background(), "conv-1"))
		now = now.Add(2 * time.Second)
	}

	// 距第一次发布已 10 秒，但最后一次发布只过了 2 秒：记录仍然新鲜
	active, err := c.PeerTyping(context.Background(), "conv-1", "bob")
	require.NoError(t, err)
	require.True(t, active, "持续输入期间记录不得因超过 TTL 被判为过期")
	require.Equal(t, []bool{true, true, true, true, true}, pub.typing())
}

func TestStopTyping_PublishesInactiveImmediately(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, testCfg(), "bob")

	require.NoError(t, c.StartTyping(context.Background(), "conv-1"))
	require.NoError(t, c.StopTyping(context.Background(), "conv-1"))
	require.Equal(t, []bool{true, false}, pub.typing())

	// 定时器已取消：等待超过空闲窗口也不再有事件
	time.Sleep(80 * time.Millisecond)
	require.Equal(t, []bool{true, false}, pub.typing())
}

func TestPeerTyping_TTLFiltersStaleRecords(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, testCfg(), "bob")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	pub.typingRecord = chattypes.PresenceRecord{Active: true, UpdatedAt: now.Add(-2 * time.Second)}
	active, err := c.PeerTyping(context.Background(), "conv-1", "alice")
	require.NoError(t, err)
	require.True(t, active)

	// 记录超过 TTL：发布方可能已崩溃，视为 inactive
	pub.typingRecord = chattypes.PresenceRecord{Active: true, UpdatedAt: now.Add(-10 * time.Second)}
	active, err = c.PeerTyping(context.Background(), "conv-1", "alice")
	require.NoError(t, err)
	require.False(t, active)
}

func TestRunHeartbeat_PublishesOnlineAndOfflineOnExit(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, testCfg(), "bob")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunHeartbeat(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return len(pub.presence()) >= 2 }, "心跳未按周期重发 online")
	cancel()
	<-done

	events := pub.presence()
	require.False(t, events[len(events)-1], "退出时必须发布 offline")
	for _, online := range events[:len(events)-1] {
		require.True(t, online)
	}
}

func TestRunHeartbeat_FailureRetriesWithBackoff(t *testing.T) {
	pub := &fakePublisher{}
	pub.setErr(fmt.Errorf("redis 不可用"))
	c := NewCoordinator(pub, testCfg(), "bob")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunHeartbeat(ctx)
		close(done)
	}()

	// 失败期间没有成功事件；恢复后退避重试把 online 发出来
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, pub.presence())
	pub.setErr(nil)

	waitFor(t, func() bool { return len(pub.presence()) >= 1 }, "发布失败后未按退避重试")
	cancel()
	<-done
}

func TestSetBackgrounded_TogglesPresence(t *testing.T) {
	pub := &fakePublisher{}
	c := NewCoordinator(pub, testCfg(), "bob")

	require.NoError(t, c.SetBackgrounded(context.Background(), true))
	require.Equal(t, []bool{false}, pub.presence(), "转后台立即发布 offline")

	require.NoError(t, c.SetBackgrounded(context.Background(), false))
	require.Equal(t, []bool{false, true}, pub.presence())
}
