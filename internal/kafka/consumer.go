package kafka

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"chatsync/internal/config"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// HintHandler is a function type for processing consumed change hints.
// The argument is the conversation ID carried by the hint.
type HintHandler func(ctx context.Context, conversationID string) error

// HintConsumer 定义了变更提示消费者的接口。
type HintConsumer interface {
	Consume(ctx context.Context, handler HintHandler) error
	Close()
}

// confluentHintConsumer is an implementation of HintConsumer using confluent-kafka-go.
type confluentHintConsumer struct {
	consumer *kafka.Consumer
	cfg      config.KafkaConfig
}

// NewConfluentHintConsumer creates a new hint consumer instance using confluent-kafka-go.
func NewConfluentHintConsumer(cfg config.KafkaConfig) (HintConsumer, error) {
	return &confluentHintConsumer{cfg: cfg}, nil
}

// Consume 开始消费提示主题。方法阻塞直到 ctx 被取消或发生致命错误。
// 手动提交 offset：只有 handler 成功处理后才提交，失败的提示会被重新投递。
func (c *confluentHintConsumer) Consume(ctx context.Context, handler HintHandler) error {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(c.cfg.Brokers, ","),
		"group.id":           c.cfg.ConsumerGroup,
		"auto.offset.reset":  "latest", // 提示只对当前状态有意义，不回放历史
		"enable.auto.commit": "false",
		"security.protocol":  c.cfg.Protocol,
	}
	if c.cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", c.cfg.ClientID)
	}

	consumer, err := kafka.NewConsumer(configMap)
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer for group %s: %w", c.cfg.ConsumerGroup, err)
	}
	c.consumer = consumer

	if err := c.consumer.SubscribeTopics([]string{c.cfg.ChangeHintTopic}, nil); err != nil {
		_ = c.consumer.Close() // Best effort close
		return fmt.Errorf("failed to subscribe to hint topic %s: %w", c.cfg.ChangeHintTopic, err)
	}

	log.Printf("Kafka 提示消费者已启动: GroupID=%s, Topic=%s", c.cfg.ConsumerGroup, c.cfg.ChangeHintTopic)

	for {
		select {
		case <-ctx.Done():
			log.Printf("提示消费者收到取消信号，正在退出: %v", ctx.Err())
			return ctx.Err()
		default:
			msg, err := c.consumer.ReadMessage(500 * time.Millisecond)
			if err != nil {
				if kafkaErr, ok := err.(kafka.Error); ok && kafkaErr.IsTimeout() {
					continue // 正常的轮询超时
				}
				log.Printf("读取提示消息失败: %v", err)
				continue
			}

			conversationID := string(msg.Value)
			if err := handler(ctx, conversationID); err != nil {
				// 不提交 offset，提示会被重新投递
				log.Printf("处理会话 %s 的变更提示失败: %v", conversationID, err)
				continue
			}

			if _, err := c.consumer.CommitMessage(msg); err != nil {
				log.Printf("提交 offset 失败: %v", err)
			}
		}
	}
}

// Close closes the underlying Kafka consumer.
func (c *confluentHintConsumer) Close() {
	if c.consumer != nil {
		if err := c.consumer.Close(); err != nil {
			log.Printf("关闭 Kafka 消费者失败: %v", err)
		}
	}
}
