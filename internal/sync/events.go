package sync

import (
	"log"
	"sync"

	"chatsync/internal/chattypes"
)

// 每个订阅者通道的缓冲大小。慢消费者的事件会被丢弃
// （事件只是"有变化"的信号，订阅者随后从缓存读全量状态）。
const eventBuffer = 32

// Bus 是缓存变更事件的显式发布/订阅接口。
// 每次缓存变更发出一个类型化事件，由零个或多个订阅者消费，
// 以此替代隐式的监听者图。支持按会话订阅和全局订阅
// （全局订阅用于会话列表排序）。
type Bus struct {
	mu         sync.RWMutex
	nextID     int
	convSubs   map[string]map[int]chan chattypes.ChangeEvent
	globalSubs map[int]chan chattypes.ChangeEvent
}

// NewBus 创建一个新的事件总线。
func NewBus() *Bus {
	return &Bus{
		convSubs:   make(map[string]map[int]chan chattypes.ChangeEvent),
		globalSubs: make(map[int]chan chattypes.ChangeEvent),
	}
}

// SubscribeConversation 订阅某个会话的变更事件。
// 返回的取消函数注销订阅并关闭通道。
func (b *Bus) SubscribeConversation(conversationID string) (<-chan chattypes.ChangeEvent, func()) {
	ch := make(chan chattypes.ChangeEvent, eventBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.convSubs[conversationID] == nil {
		b.convSubs[conversationID] = make(map[int]chan chattypes.ChangeEvent)
	}
	b.convSubs[conversationID][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if subs, ok := b.convSubs[conversationID]; ok {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.convSubs, conversationID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// SubscribeGlobal 订阅所有会话的变更事件。
func (b *Bus) SubscribeGlobal() (<-chan chattypes.ChangeEvent, func()) {
	ch := make(chan chattypes.ChangeEvent, eventBuffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.globalSubs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.globalSubs[id]; ok {
			delete(b.globalSubs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish 向会话订阅者和全局订阅者广播一个变更事件。
// 非阻塞发送：订阅者跟不上时丢弃并记录。
func (b *Bus) Publish(ev chattypes.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.convSubs[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			log.Printf("警告: 会话 %s 的事件订阅者跟不上，丢弃事件 %s", ev.ConversationID, ev.Kind)
		}
	}
	for _, ch := range b.globalSubs {
		select {
		case ch <- ev:
		default:
			log.Printf("警告: 全局事件订阅者跟不上，丢弃事件 %s", ev.Kind)
		}
	}
}
