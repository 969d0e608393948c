package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述事件发布的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Queue      string
	Durable    bool
}

// publisher 是 amqp.Channel 中用到的发布能力。
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSink 将生命周期事件以 JSON 发布到 RabbitMQ。
type RabbitMQSink struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	pub        publisher
	exchange   string
	routingKey string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明事件队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "launchpad.burner.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	routingKey := cfg.RoutingKey
	if cfg.Exchange == "" {
		// 默认交换机按队列名路由。
		routingKey = queue
	} else if routingKey == "" {
		routingKey = queue
	}
	return &RabbitMQSink{conn: conn, ch: ch, pub: ch, exchange: cfg.Exchange, routingKey: routingKey}, nil
}

// Name 返回渠道名称。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Notify 发布一条持久化消息。
func (s *RabbitMQSink) Notify(ctx context.Context, event Event) error {
	if s == nil || s.pub == nil {
		return errors.New("RabbitMQ 渠道未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	return s.pub.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         string(event.Kind),
		MessageId:    event.WorkflowID + ":" + string(event.Kind),
		Timestamp:    event.OccurredAt,
		Body:         body,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
