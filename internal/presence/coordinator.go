package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/internal/config"
)

// Coordinator 管理去抖的输入广播和基于 TTL 的在线/离线信号。
// 输入：StartTyping 发布 active 并武装一个单发空闲定时器，
// 空闲窗口内的重复调用重置定时器而不是叠加；定时器触发或
// StopTyping 时发布 inactive。在线：前台期间按心跳周期重发
// online，转后台立即发布 offline；发布失败按退避重试，
// 绝不上浮给用户。
type Coordinator struct {
	publisher Publisher
	cfg       config.SyncConfig
	actorID   string
	now       func() time.Time // 测试注入

	mu           sync.Mutex
	idleTimers   map[string]*time.Timer // conversationID → 空闲定时器
	backgrounded bool
}

// NewCoordinator 创建一个新的输入/在线协调器。
func NewCoordinator(publisher Publisher, cfg config.SyncConfig, actorID string) *Coordinator {
	return &Coordinator{
		publisher:  publisher,
		cfg:        cfg,
		actorID:    actorID,
		now:        time.Now,
		idleTimers: make(map[string]*time.Timer),
	}
}

// StartTyping 发布 active 输入记录并武装空闲定时器。
// 每次调用都重发 active 刷新记录时间戳，持续输入超过 TTL
// 也不会被订阅端判为过期；重复调用只重置定时器，不会堆叠多个。
func (c *Coordinator) StartTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if timer, ok := c.idleTimers[conversationID]; ok {
		timer.Reset(c.cfg.TypingIdleWindow)
	} else {
		c.idleTimers[conversationID] = time.AfterFunc(c.cfg.TypingIdleWindow, func() {
			c.idleFired(conversationID)
		})
	}
	c.mu.Unlock()

	return c.publisher.PublishTyping(ctx, conversationID, c.actorID, true)
}

// idleFired 在空闲窗口结束后发布 inactive。
func (c *Coordinator) idleFired(conversationID string) {
	c.mu.Lock()
	delete(c.idleTimers, conversationID)
	c.mu.Unlock()

	if err := c.publisher.PublishTyping(context.Background(), conversationID, c.actorID, false); err != nil {
		// 记录就够了：订阅端的 TTL 过滤最终会把记录判为 inactive
		log.Printf("会话 %s 发布输入 inactive 失败: %v", conversationID, err)
	}
}

// StopTyping 取消空闲定时器并立即发布 inactive。
func (c *Coordinator) StopTyping(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if timer, ok := c.idleTimers[conversationID]; ok {
		timer.Stop()
		delete(c.idleTimers, conversationID)
	}
	c.mu.Unlock()

	return c.publisher.PublishTyping(ctx, conversationID, c.actorID, false)
}

// PeerTyping 报告对端是否正在输入。超过 TTL 的记录无论存储值
// 如何都视为 false。
func (c *Coordinator) PeerTyping(ctx context.Context, conversationID, peerID string) (bool, error) {
	record, err := c.publisher.GetTyping(ctx, conversationID, peerID)
	if err != nil {
		return false, err
	}
	return record.ActiveWithin(c.cfg.TypingTTL, c.now()), nil
}

// PeerOnline 报告对端是否在线（同样经过 TTL 过滤）。
func (c *Coordinator) PeerOnline(ctx context.Context, peerID string) (bool, error) {
	record, err := c.publisher.GetPresence(ctx, peerID)
	if err != nil {
		return false, err
	}
	return record.ActiveWithin(c.cfg.PresenceTTL, c.now()), nil
}

// SetBackgrounded 切换前后台状态。转后台立即发布 offline，
// 回前台立即发布 online（心跳循环随后接管）。
func (c *Coordinator) SetBackgrounded(ctx context.Context, backgrounded bool) error {
	c.mu.Lock()
	c.backgrounded = backgrounded
	c.mu.Unlock()
	return c.publisher.PublishPresence(ctx, c.actorID, !backgrounded)
}

func (c *Coordinator) isBackgrounded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backgrounded
}

// RunHeartbeat 周期性地重发 online 记录，直到 ctx 被取消。
// 发布失败按指数退避重试而不是上浮；退避到上限后保持上限节奏。
func (c *Coordinator) RunHeartbeat(ctx context.Context) {
	interval := c.cfg.PresenceHeartbeat
	backoff := c.cfg.RetryBackoff

	for {
		wait := interval
		if !c.isBackgrounded() {
			if err := c.publisher.PublishPresence(ctx, c.actorID, true); err != nil {
				log.Printf("在线心跳发布失败，%s 后重试: %v", backoff, err)
				wait = backoff
				backoff *= 2
				if backoff > c.cfg.RetryBackoffMax {
					backoff = c.cfg.RetryBackoffMax
				}
			} else {
				backoff = c.cfg.RetryBackoff
			}
		}

		select {
		case <-ctx.Done():
			// 退出前尽力发布 offline
			if err := c.publisher.PublishPresence(context.Background(), c.actorID, false); err != nil {
				log.Printf("退出时发布 offline 失败: %v", err)
			}
			return
		case <-time.After(wait):
		}
	}
}
