package profile

import (
	"sync"

	"chatsync/internal/chattypes"
)

// Cache 是进程级的用户资料缓存，被所有打开的会话共享。
// 读多写少：并发查找安全，来自在线状态更新的写入不会阻塞读者
// （RWMutex，写只在资料真正变化时发生）。
// 生命周期：会话开始时创建，登出时清空。
type Cache struct {
	mu       sync.RWMutex
	profiles map[string]chattypes.UserProfile
}

// NewCache 创建一个新的资料缓存。
func NewCache() *Cache {
	return &Cache{profiles: make(map[string]chattypes.UserProfile)}
}

// Get 查找用户资料。
func (c *Cache) Get(userID string) (chattypes.UserProfile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.profiles[userID]
	return p, ok
}

// Put 写入或替换用户资料。
func (c *Cache) Put(p chattypes.UserProfile) {
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
}

// SetOnline 更新用户的在线标记（来自在线状态订阅）。
func (c *Cache) SetOnline(userID string, online bool) {
	c.mu.Lock()
	p, ok := c.profiles[userID]
	if !ok {
		p = chattypes.UserProfile{ID: userID}
	}
	p.Online = online
	c.profiles[userID] = p
	c.mu.Unlock()
}

// Clear 清空缓存（登出时调用）。
func (c *Cache) Clear() {
	c.mu.Lock()
	c.profiles = make(map[string]chattypes.UserProfile)
	c.mu.Unlock()
}
