package syncserver

import (
	"context"
	"log"
	"sync"

	"chatsync/internal/auth"
	"chatsync/internal/config"
	"chatsync/internal/presence"
	"chatsync/internal/store"
	syncengine "chatsync/internal/sync"
)

// engineEntry 是一个已登录用户的引擎实例及其附属资源。
type engineEntry struct {
	engine          *syncengine.Engine
	typing          *presence.Coordinator
	cancelHeartbeat context.CancelFunc
}

// EngineManager 按用户维护同步引擎的生命周期：
// 首次访问时创建（会话开始），登出通知时清空。
type EngineManager struct {
	cfg       config.SyncConfig
	store     store.RemoteStore
	feed      store.SnapshotSource
	publisher presence.Publisher

	mu      sync.Mutex
	entries map[string]*engineEntry
}

// NewEngineManager 创建一个新的引擎管理器。
func NewEngineManager(cfg config.SyncConfig, st store.RemoteStore, feed store.SnapshotSource, publisher presence.Publisher) *EngineManager {
	return &EngineManager{
		cfg:       cfg,
		store:     st,
		feed:      feed,
		publisher: publisher,
		entries:   make(map[string]*engineEntry),
	}
}

// GetOrCreate 返回用户的引擎和输入/在线协调器，必要时创建。
// 创建时启动在线心跳。
func (m *EngineManager) GetOrCreate(userID string) (*syncengine.Engine, *presence.Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[userID]; ok {
		return entry.engine, entry.typing
	}

	typing := presence.NewCoordinator(m.publisher, m.cfg, userID)
	engine := syncengine.NewEngine(userID, m.cfg, m.store, m.feed, typing)

	heartbeatCtx, cancel := context.WithCancel(context.Background())
	go typing.RunHeartbeat(heartbeatCtx)

	m.entries[userID] = &engineEntry{engine: engine, typing: typing, cancelHeartbeat: cancel}
	log.Printf("已为用户 %s 创建同步引擎。", userID)
	return engine, typing
}

// Drop 清空用户的引擎状态（登出时调用）。
func (m *EngineManager) Drop(userID string) {
	m.mu.Lock()
	entry, ok := m.entries[userID]
	delete(m.entries, userID)
	m.mu.Unlock()

	if !ok {
		return
	}
	entry.cancelHeartbeat()
	entry.engine.SignOut()
}

// Watch 消费登录/登出通知：登出时清空对应引擎。
// 阻塞直到订阅被取消，通常放在独立 goroutine 里运行。
func (m *EngineManager) Watch(sessions *auth.Sessions) {
	events, cancel := sessions.Subscribe()
	defer cancel()
	for ev := range events {
		if !ev.SignedIn {
			m.Drop(ev.UserID)
		}
	}
}
