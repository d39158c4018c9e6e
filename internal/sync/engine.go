package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"chatsync/internal/chattypes"
	"chatsync/internal/config"
	"chatsync/internal/profile"
	"chatsync/internal/store"
)

// TypingStopper 是引擎对输入提示协调器的最小依赖：
// 关闭会话时先发布 inactive 再取消定时器。
type TypingStopper interface {
	StopTyping(ctx context.Context, conversationID string) error
}

// Engine 拥有同步引擎的全部进程级状态：会话缓存、资料缓存、
// 事件总线和各个管道。在登录会话开始时创建，登出时清空——
// 显式持有并注入，不做环境全局变量。
type Engine struct {
	cfg      config.SyncConfig
	store    store.RemoteStore
	feed     store.SnapshotSource
	cache    *ConversationCache
	bus      *Bus
	profiles *profile.Cache
	typing   TypingStopper // 可为 nil
	actorID  string

	Pagination *PaginationController
	Send       *SendPipeline
	Reconciler *StatusReconciler
	Reactions  *ReactionAggregator

	mu       sync.Mutex
	sessions map[string]*Session

	connected atomic.Bool
}

// NewEngine 组装一个同步引擎。typing 可以为 nil（不做输入提示）。
func NewEngine(actorID string, cfg config.SyncConfig, st store.RemoteStore, feed store.SnapshotSource, typing TypingStopper) *Engine {
	bus := NewBus()
	cache := NewConversationCache(bus, cfg.LiveWindow)

	e := &Engine{
		cfg:      cfg,
		store:    st,
		feed:     feed,
		cache:    cache,
		bus:      bus,
		profiles: profile.NewCache(),
		typing:   typing,
		actorID:  actorID,
		sessions: make(map[string]*Session),
	}
	e.Pagination = NewPaginationController(st, cache, cfg.PageSize, e.isOpen)
	e.Send = NewSendPipeline(st, cache, bus, actorID)
	e.Reconciler = NewStatusReconciler(st, cache, actorID)
	e.Reactions = NewReactionAggregator(st, cache, actorID)
	e.connected.Store(true)
	return e
}

// Cache 返回会话缓存（展示层读取消息窗口用）。
func (e *Engine) Cache() *ConversationCache { return e.cache }

// Bus 返回变更事件总线。
func (e *Engine) Bus() *Bus { return e.bus }

// Profiles 返回共享的用户资料缓存。
func (e *Engine) Profiles() *profile.Cache { return e.profiles }

// ActorID 返回本地用户 ID。
func (e *Engine) ActorID() string { return e.actorID }

// Store 返回底层远端存储。
func (e *Engine) Store() store.RemoteStore { return e.store }

// Connected 报告与远端的连通状态。转瞬即逝的失败不上浮为错误，
// 只体现为这个持续的"已断开"指示。
func (e *Engine) Connected() bool { return e.connected.Load() }

func (e *Engine) isOpen(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[conversationID]
	return ok
}

// Session 是一个打开的会话视图：一个订阅任务把快照泵入缓存，
// 一个周期扫描兜底状态转换。关闭时两者都被取消。
type Session struct {
	engine         *Engine
	conversationID string
	cancel         context.CancelFunc
	unsubscribe    func()
	done           chan struct{}
	closeOnce      sync.Once
}

// OpenConversation 打开一个会话：启动订阅任务和对账扫描。
// 已经打开时返回现有会话。
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*Session, error) {
	e.mu.Lock()
	if s, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()

	// 会话的生命周期由 Close 控制，不随打开它的请求结束
	sessCtx, cancel := context.WithCancel(context.Background())

	ch, unsubscribe, err := e.feed.Subscribe(ctx, conversationID, e.cfg.LiveWindow)
	if err != nil {
		cancel()
		e.connected.Store(false)
		return nil, fmt.Errorf("订阅会话 %s 失败: %w", conversationID, err)
	}

	s := &Session{
		engine:         e,
		conversationID: conversationID,
		cancel:         cancel,
		unsubscribe:    unsubscribe,
		done:           make(chan struct{}),
	}

	e.mu.Lock()
	if existing, ok := e.sessions[conversationID]; ok {
		// 并发打开竞争：保留先到的
		e.mu.Unlock()
		cancel()
		unsubscribe()
		close(s.done)
		return existing, nil
	}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	go s.pump(sessCtx, ch)
	go e.Reconciler.RunSweep(sessCtx, conversationID, e.cfg.SweepInterval)
	return s, nil
}

// pump 是每会话唯一的订阅任务：把快照按到达顺序合并进缓存，
// 并触发状态对账的快路径。同一会话的缓存变更由此串行化。
func (s *Session) pump(ctx context.Context, ch <-chan chattypes.Snapshot) {
	defer close(s.done)
	e := s.engine
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			e.cache.ApplySnapshot(s.conversationID, snap.Messages)
			e.Reconciler.ObserveSnapshot(ctx, s.conversationID, snap.Messages)
			e.connected.Store(true)
		}
	}
}

// Close 关闭会话视图：先发布输入 inactive，再取消订阅任务、
// 空闲定时器和周期扫描。在途的分页/发送请求允许完成，
// 但结果会被丢弃。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		e := s.engine

		if e.typing != nil {
			// 取消前先发布 inactive，对端不会看到悬挂的"正在输入"
			if err := e.typing.StopTyping(context.Background(), s.conversationID); err != nil {
				log.Printf("关闭会话 %s 时发布输入 inactive 失败: %v", s.conversationID, err)
			}
		}

		e.mu.Lock()
		if e.sessions[s.conversationID] == s {
			delete(e.sessions, s.conversationID)
		}
		e.mu.Unlock()

		s.cancel()
		s.unsubscribe()
		<-s.done

		// 会话关闭后认领记录不再有扫描消费，释放掉
		e.Reconciler.ForgetConversation(s.conversationID)
	})
}

// CloseConversation 关闭某个打开的会话视图（未打开时为 no-op）。
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	s := e.sessions[conversationID]
	e.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// SignOut 结束登录会话：关闭所有打开的会话视图并清空进程级状态。
func (e *Engine) SignOut() {
	e.mu.Lock()
	open := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
	e.cache.Clear()
	e.profiles.Clear()
	log.Printf("用户 %s 已登出，同步引擎状态已清空。", e.actorID)
}
