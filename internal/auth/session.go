package auth

import (
	"context"
	"sync"
)

type contextKey string

const actorContextKey contextKey = "chatsync.actor"

// WithActor 把当前用户 ID 放入上下文。
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorContextKey, userID)
}

// ActorFromContext 从上下文取出当前用户 ID。
func ActorFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(actorContextKey).(string)
	return userID, ok
}

// SessionEvent 是登录/登出通知。
type SessionEvent struct {
	UserID   string
	SignedIn bool
}

// Sessions 广播登录/登出事件。同步引擎据此在登录时创建
// 进程级状态、登出时清空。
type Sessions struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan SessionEvent
}

// NewSessions 创建一个新的会话事件广播器。
func NewSessions() *Sessions {
	return &Sessions{subs: make(map[int]chan SessionEvent)}
}

// Subscribe 订阅登录/登出事件。
func (s *Sessions) Subscribe() (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, 4)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Notify 广播一个会话事件。
func (s *Sessions) Notify(ev SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
