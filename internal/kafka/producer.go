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

// HintProducer 定义了变更提示生产者的接口。
// 存储层每次成功写入后，把会话 ID 发布到提示主题，
// 订阅端据此重新查询实时窗口并推送快照。
type HintProducer interface {
	PublishHint(ctx context.Context, conversationID string) error
	Close()
}

// confluentHintProducer is an implementation of HintProducer using confluent-kafka-go.
type confluentHintProducer struct {
	producer *kafka.Producer
	cfg      config.KafkaConfig
}

// NewConfluentHintProducer creates a new hint producer instance using confluent-kafka-go.
func NewConfluentHintProducer(cfg config.KafkaConfig) (HintProducer, error) {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"security.protocol": cfg.Protocol,
	}
	if cfg.ClientID != "" {
		_ = configMap.SetKey("client.id", cfg.ClientID)
	}

	p, err := kafka.NewProducer(configMap)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return &confluentHintProducer{producer: p, cfg: cfg}, nil
}

// PublishHint 将会话 ID 作为 key 和 value 发布到提示主题，
// 并同步等待投递回执。用会话 ID 做 key 可以保证同一会话的
// 提示落在同一分区，消费端按序处理。
func (p *confluentHintProducer) PublishHint(ctx context.Context, conversationID string) error {
	deliveryChan := make(chan kafka.Event, 1)
	defer close(deliveryChan)

	topic := p.cfg.ChangeHintTopic
	kafkaMsg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(conversationID),
		Value:          []byte(conversationID),
		Timestamp:      time.Now(),
	}

	err := p.producer.Produce(kafkaMsg, deliveryChan)
	if err != nil {
		return fmt.Errorf("kafka producer failed to enqueue hint for conversation %s: %w", conversationID, err)
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("kafka producer: unexpected event type on delivery channel: %T %v", e, e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("kafka producer: delivery failed for hint topic: %w", m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kafka producer: context canceled while waiting for delivery report: %w", ctx.Err())
	}
}

// Close flushes any outstanding hints and closes the producer.
func (p *confluentHintProducer) Close() {
	if p.producer != nil {
		remaining := p.producer.Flush(15 * 1000) // 15 second timeout
		if remaining > 0 {
			log.Printf("警告: flush 后仍有 %d 条提示未投递，生产者即将关闭。", remaining)
		}
		p.producer.Close()
	}
}
