package store

import (
	"context"
	"fmt"
	"log"
	"sync"

	"chatsync/internal/chattypes"
	appkafka "chatsync/internal/kafka"
)

// MessageQuerier 是快照订阅需要的最小查询能力。
type MessageQuerier interface {
	QueryMessagesBefore(ctx context.Context, conversationID string, startAfter *chattypes.Cursor, limit int) ([]chattypes.Message, error)
}

// feedSub 是一个会话订阅者：带缓冲的快照通道加窗口大小。
type feedSub struct {
	ch     chan chattypes.Snapshot
	window int
}

// SnapshotFeed 实现 SnapshotSource：消费 Kafka 变更提示，
// 对有订阅者的会话重新查询实时窗口并推送完整快照。
// 通道容量为 1，推送时旧快照被新快照顶替（订阅端只关心最新状态）。
type SnapshotFeed struct {
	consumer appkafka.HintConsumer
	querier  MessageQuerier

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*feedSub // conversationID → subID → sub
}

// NewSnapshotFeed 创建一个新的 SnapshotFeed。
func NewSnapshotFeed(consumer appkafka.HintConsumer, querier MessageQuerier) *SnapshotFeed {
	return &SnapshotFeed{
		consumer: consumer,
		querier:  querier,
		subs:     make(map[string]map[int]*feedSub),
	}
}

// Run 启动提示消费循环，阻塞直到 ctx 被取消。
func (f *SnapshotFeed) Run(ctx context.Context) error {
	return f.consumer.Consume(ctx, f.handleHint)
}

// handleHint 对一条变更提示重新查询实时窗口并推送给所有订阅者。
// 没有订阅者的会话直接跳过，不产生查询。
func (f *SnapshotFeed) handleHint(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	subs := f.subs[conversationID]
	maxWindow := 0
	for _, sub := range subs {
		if sub.window > maxWindow {
			maxWindow = sub.window
		}
	}
	f.mu.Unlock()

	if maxWindow == 0 {
		return nil
	}

	messages, err := f.querier.QueryMessagesBefore(ctx, conversationID, nil, maxWindow)
	if err != nil {
		return fmt.Errorf("为会话 %s 查询快照失败: %w", conversationID, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs[conversationID] {
		window := messages
		if len(window) > sub.window {
			window = window[:sub.window]
		}
		push(sub.ch, chattypes.Snapshot{ConversationID: conversationID, Messages: window})
	}
	return nil
}

// push 以 latest-wins 语义投递快照：通道满时先腾出旧的再放新的。
func push(ch chan chattypes.Snapshot, snapshot chattypes.Snapshot) {
	select {
	case ch <- snapshot:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Subscribe 注册对某会话的订阅并立即推送一次当前快照。
func (f *SnapshotFeed) Subscribe(ctx context.Context, conversationID string, window int) (<-chan chattypes.Snapshot, func(), error) {
	if window <= 0 {
		return nil, nil, fmt.Errorf("订阅窗口必须为正数，收到 %d", window)
	}

	sub := &feedSub{ch: make(chan chattypes.Snapshot, 1), window: window}

	f.mu.Lock()
	id := f.nextID
	f.nextID++
	if f.subs[conversationID] == nil {
		f.subs[conversationID] = make(map[int]*feedSub)
	}
	f.subs[conversationID][id] = sub
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if subs, ok := f.subs[conversationID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(sub.ch)
			}
			if len(subs) == 0 {
				delete(f.subs, conversationID)
			}
		}
		f.mu.Unlock()
	}

	// 初始快照
	messages, err := f.querier.QueryMessagesBefore(ctx, conversationID, nil, window)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("订阅会话 %s 的初始快照失败: %w", conversationID, err)
	}
	f.mu.Lock()
	if _, ok := f.subs[conversationID]; ok { // cancel 可能已经被调用
		push(sub.ch, chattypes.Snapshot{ConversationID: conversationID, Messages: messages})
	}
	f.mu.Unlock()

	return sub.ch, cancel, nil
}

// Close 关闭底层消费者。
func (f *SnapshotFeed) Close() {
	if f.consumer != nil {
		f.consumer.Close()
	}
	log.Println("快照订阅源已关闭。")
}
