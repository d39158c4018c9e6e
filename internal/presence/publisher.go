package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chatsync/internal/chattypes"
)

// Publisher 定义了输入/在线记录的发布与读取接口。
// 记录是临时信号：写入带过期时间，读取端还会按 TTL 再次过滤，
// 以容忍崩溃或被抛弃的发布方。
type Publisher interface {
	PublishTyping(ctx context.Context, conversationID, userID string, active bool) error
	GetTyping(ctx context.Context, conversationID, userID string) (chattypes.PresenceRecord, error)
	PublishPresence(ctx context.Context, userID string, online bool) error
	GetPresence(ctx context.Context, userID string) (chattypes.PresenceRecord, error)
}

const (
	typingKeyPrefix   = "typing:"
	presenceKeyPrefix = "presence:"
)

// redisPublisher 是 Publisher 接口的 Redis 实现。
// 键带过期时间存储，过期后自动消失，读取到 redis.Nil 视为 inactive。
type redisPublisher struct {
	client      *redis.Client
	typingTTL   time.Duration
	presenceTTL time.Duration
}

// NewRedisPublisher 创建一个新的基于 Redis 的 Publisher。
// 存储的过期时间取 TTL 的两倍：读取端的 TTL 过滤才是权威判断，
// 键过期只是兜底清理。
func NewRedisPublisher(client *redis.Client, typingTTL, presenceTTL time.Duration) Publisher {
	return &redisPublisher{client: client, typingTTL: typingTTL, presenceTTL: presenceTTL}
}

func typingKey(conversationID, userID string) string {
	return typingKeyPrefix + conversationID + ":" + userID
}

func (r *redisPublisher) set(ctx context.Context, key string, record chattypes.PresenceRecord, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化记录失败: %w", err)
	}
	if err := r.client.Set(ctx, key, payload, 2*ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 键 %s 失败: %w", key, err)
	}
	return nil
}

func (r *redisPublisher) get(ctx context.Context, key string) (chattypes.PresenceRecord, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return chattypes.PresenceRecord{}, nil // 键不存在，视为 inactive
	}
	if err != nil {
		return chattypes.PresenceRecord{}, fmt.Errorf("读取 Redis 键 %s 失败: %w", key, err)
	}
	var record chattypes.PresenceRecord
	if err := json.Unmarshal([]byte(val), &record); err != nil {
		return chattypes.PresenceRecord{}, fmt.Errorf("反序列化键 %s 的记录失败: %w", key, err)
	}
	return record, nil
}

// PublishTyping 发布某会话内的输入记录。
func (r *redisPublisher) PublishTyping(ctx context.Context, conversationID, userID string, active bool) error {
	record := chattypes.PresenceRecord{Active: active, UpdatedAt: time.Now().UTC()}
	return r.set(ctx, typingKey(conversationID, userID), record, r.typingTTL)
}

// GetTyping 读取某会话内的输入记录。
func (r *redisPublisher) GetTyping(ctx context.Context, conversationID, userID string) (chattypes.PresenceRecord, error) {
	return r.get(ctx, typingKey(conversationID, userID))
}

// PublishPresence 发布在线/离线记录。
func (r *redisPublisher) PublishPresence(ctx context.Context, userID string, online bool) error {
	record := chattypes.PresenceRecord{Active: online, UpdatedAt: time.Now().UTC()}
	return r.set(ctx, presenceKeyPrefix+userID, record, r.presenceTTL)
}

// GetPresence 读取在线/离线记录。
func (r *redisPublisher) GetPresence(ctx context.Context, userID string) (chattypes.PresenceRecord, error) {
	return r.get(ctx, presenceKeyPrefix+userID)
}
