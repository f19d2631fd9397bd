// Package messaging 将引擎事件流投递到 Kafka
package messaging

import (
	"context"
	"log/slog"

	"github.com/Vantalim12/pskdotfun/internal/engine/domain"
	"github.com/Vantalim12/pskdotfun/pkg/mq"
)

// 事件主题
const (
	TopicOrderCreated  = "darkpool.order.created"
	TopicOrderUpdated  = "darkpool.order.updated"
	TopicTradeExecuted = "darkpool.trade.executed"
)

type envelope struct {
	kind  string
	key   string
	topic string
	body  interface{}
}

// KafkaEventPublisher 异步 Kafka 事件发布器
// 事件先进入进程内缓冲，由独立协程顺序写出；同一订单以订单 ID 作为
// 分区键，保证分区内有序。下游按至少一次语义消费，需自行幂等
type KafkaEventPublisher struct {
	producer *mq.KafkaProducer
	events   chan *envelope
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

// NewKafkaEventPublisher 创建发布器并启动写出协程
func NewKafkaEventPublisher(producer *mq.KafkaProducer, bufferSize int, logger *slog.Logger) *KafkaEventPublisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	p := &KafkaEventPublisher{
		producer: producer,
		events:   make(chan *envelope, bufferSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger.With("module", "kafka_publisher"),
	}
	go p.run()
	return p
}

// Close 停止写出协程，排空剩余缓冲
func (p *KafkaEventPublisher) Close() {
	close(p.stopCh)
	<-p.doneCh
}

func (p *KafkaEventPublisher) run() {
	defer close(p.doneCh)
	for {
		select {
		case env := <-p.events:
			p.send(env)
		case <-p.stopCh:
			for {
				select {
				case env := <-p.events:
					p.send(env)
				default:
					return
				}
			}
		}
	}
}

func (p *KafkaEventPublisher) send(env *envelope) {
	if err := p.producer.SendMessage(context.Background(), env.topic, env.key, env.body); err != nil {
		p.logger.Error("failed to publish event to kafka",
			"kind", env.kind, "topic", env.topic, "key", env.key, "error", err)
	}
}

// enqueue 非阻塞入队；缓冲写满时丢弃并告警，不得反压撮合路径
func (p *KafkaEventPublisher) enqueue(env *envelope) error {
	select {
	case p.events <- env:
	default:
		p.logger.Warn("kafka event buffer full, dropping event",
			"kind", env.kind, "topic", env.topic, "key", env.key)
	}
	return nil
}

// PublishOrderCreated 发布订单创建事件
func (p *KafkaEventPublisher) PublishOrderCreated(event domain.OrderCreatedEvent) error {
	return p.enqueue(&envelope{
		kind:  string(domain.EventTypeOrderCreated),
		key:   event.OrderID,
		topic: TopicOrderCreated,
		body:  event,
	})
}

// PublishOrderUpdated 发布订单状态变更事件
func (p *KafkaEventPublisher) PublishOrderUpdated(event domain.OrderUpdatedEvent) error {
	return p.enqueue(&envelope{
		kind:  string(domain.EventTypeOrderUpdated),
		key:   event.OrderID,
		topic: TopicOrderUpdated,
		body:  event,
	})
}

// PublishTradeExecuted 发布成交事件
func (p *KafkaEventPublisher) PublishTradeExecuted(event domain.TradeExecutedEvent) error {
	return p.enqueue(&envelope{
		kind:  string(domain.EventTypeTradeExecuted),
		key:   event.TradeID,
		topic: TopicTradeExecuted,
		body:  event,
	})
}
